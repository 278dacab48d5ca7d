package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/prow/pkg/config"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	"sigs.k8s.io/prow/pkg/metrics"
	"sigs.k8s.io/prow/pkg/version"

	"github.com/plectr/plectr/pkg/blobstore"
	"github.com/plectr/plectr/pkg/cryptoutil"
	"github.com/plectr/plectr/pkg/mirror"
	"github.com/plectr/plectr/pkg/runner"
	"github.com/plectr/plectr/pkg/server"
	"github.com/plectr/plectr/pkg/store"
)

type options struct {
	listenAddr    string
	databaseURL   string
	s3Endpoint    string
	s3Bucket      string
	runnerSecret  string
	publicURL     string
	metricsPort   int
	enableMirrors bool
}

func gatherOptions() (*options, error) {
	o := &options{}
	flag.StringVar(&o.listenAddr, "listen-addr", "0.0.0.0:8000", "The address to listen on")
	flag.StringVar(&o.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string, defaults to $DATABASE_URL")
	flag.StringVar(&o.s3Endpoint, "s3-endpoint", "", "The address of the S3-compatible object store, defaults to $S3_ENDPOINT or http://localhost:8333")
	flag.StringVar(&o.s3Bucket, "s3-bucket", blobstore.DefaultBucket, "The bucket holding blob objects")
	flag.StringVar(&o.runnerSecret, "runner-token-secret", "", "Secret for minting short-lived runner tokens, defaults to $RUNNER_TOKEN_SECRET")
	flag.StringVar(&o.publicURL, "public-url", "", "The URL runners use to call back into the API, defaults to $PUBLIC_URL or http://plectr-core:8000")
	flag.IntVar(&o.metricsPort, "metrics-port", 9090, "The port to expose prometheus metrics on")
	flag.BoolVar(&o.enableMirrors, "enable-mirrors", true, "Replicate commits to configured external remotes")
	flag.Parse()

	if o.s3Endpoint == "" {
		o.s3Endpoint = os.Getenv("S3_ENDPOINT")
	}
	if o.s3Endpoint == "" {
		o.s3Endpoint = "http://localhost:8333"
	}
	if o.runnerSecret == "" {
		o.runnerSecret = os.Getenv("RUNNER_TOKEN_SECRET")
	}
	if o.publicURL == "" {
		o.publicURL = os.Getenv("PUBLIC_URL")
	}
	if o.publicURL == "" {
		o.publicURL = "http://plectr-core:8000"
	}

	var errs []error
	if o.databaseURL == "" {
		errs = append(errs, errors.New("--database-url or $DATABASE_URL is required"))
	}
	if o.runnerSecret == "" {
		errs = append(errs, errors.New("--runner-token-secret or $RUNNER_TOKEN_SECRET is required"))
	}
	return o, utilerrors.NewAggregate(errs)
}

func main() {
	version.Name = "plectr-core"
	logrusutil.ComponentInit()
	o, err := gatherOptions()
	if err != nil {
		logrus.WithError(err).Fatal("failed to get options")
	}

	db, err := store.New(o.databaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to the database")
	}

	blobs, err := blobstore.NewS3Store(o.s3Endpoint, o.s3Bucket)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to reach the object store")
	}

	// The encryption key is only needed when mirroring is on; a missing key
	// disables mirror configuration instead of failing boot.
	var box *cryptoutil.Box
	if o.enableMirrors {
		box, err = cryptoutil.LoadFromEnv()
		if err != nil {
			logrus.WithError(err).Warn("Mirroring disabled: no usable encryption key.")
			box = nil
		}
	}

	fabric := runner.NewFabric()
	runnerService := runner.NewService(db, blobs, fabric, []byte(o.runnerSecret), o.publicURL)
	var mirrorWorker *mirror.Worker
	if box != nil {
		mirrorWorker = mirror.NewWorker(db, blobs, box)
	}

	srv := server.New(db, blobs, runnerService, mirrorWorker, box)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "OK")
	})
	interrupts.ListenAndServe(&http.Server{Addr: ":8081", Handler: healthMux}, 0)

	metrics.ExposeMetrics(version.Name, config.PushGateway{}, o.metricsPort)

	logrus.WithField("address", o.listenAddr).Info("Plectr Core is listening.")
	interrupts.ListenAndServe(&http.Server{Addr: o.listenAddr, Handler: srv.Handler()}, 5*time.Second)
	interrupts.OnInterrupt(func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database pool.")
		}
	})
	interrupts.WaitForGracefulShutdown()
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apimsim"
)

func main() {
	addr := flag.String("addr", ":8089", "listen address")
	token := flag.String("token", "sim-token", "bearer token to issue and accept")
	asyncPolls := flag.Int("async-polls", 2, "pending polls before an accepted upload completes (0 answers uploads synchronously)")
	maxLatency := flag.Duration("max-latency", 0, "random per-request latency upper bound")
	flag.Parse()

	opts := apimsim.Options{Token: *token, AsyncPolls: *asyncPolls}
	if *maxLatency > 0 {
		opts.Latency = func() time.Duration { return time.Duration(rand.Int63n(int64(*maxLatency))) }
	}
	sim := apimsim.New(opts)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           sim.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[apim-sim] listening on %s (point APIM_MANAGEMENT_URL and APIM_LOGIN_URL here)", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[apim-sim] server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[apim-sim] shutdown: %v", err)
	}
	log.Printf("[apim-sim] served %d uploads", sim.TotalSubmits())
}

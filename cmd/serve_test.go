package main

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownGracefullyDrainsInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	type response struct {
		code int
		err  error
	}
	got := make(chan response, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			got <- response{err: err}
			return
		}
		resp.Body.Close()
		got <- response{code: resp.StatusCode}
	}()

	<-started
	shutdownGracefully(srv)

	r := <-got
	require.NoError(t, r.err, "an in-flight request must be allowed to finish")
	assert.Equal(t, http.StatusOK, r.code)
}

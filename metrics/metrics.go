package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/squareup/corax/errors"
)

const DefaultListenAddr = "localhost:2112"

// Server exposes the prometheus collectors registered by the other packages
// over HTTP for scraping.
type Server struct {
	lock       sync.Mutex
	listenAddr string
	httpServer *http.Server
	started    bool
}

func NewServer(listenAddr string) *Server {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	return &Server{listenAddr: listenAddr}
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return errors.New("already started")
	}
	s.httpServer = &http.Server{Addr: s.listenAddr, Handler: promhttp.Handler()}
	s.started = true
	go func(srv *http.Server) {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("prometheus http export server failed to listen %v", err)
		}
	}(s.httpServer)
	log.Debugf("Started prometheus http server on address %s", s.listenAddr)
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	if err := s.httpServer.Close(); err != nil {
		return errors.WithStack(err)
	}
	s.started = false
	return nil
}

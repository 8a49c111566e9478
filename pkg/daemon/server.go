// Package daemon runs the privilege-separated signing service and the client
// used to reach it. The daemon opens the certificate store with its own
// privileges and exposes signing over a unix-domain socket, so callers can
// prepare digests and signed attributes without ever touching key material.
package daemon

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/efisign/efisign/pkg/authenticode"
	"github.com/efisign/efisign/pkg/certstore"
	"github.com/efisign/efisign/pkg/errdefs"
)

var (
	routeHealth          = "/health"
	routeSign            = "/sign"
	routeFindCertificate = "/find-certificate"
	routeShutdown        = "/shutdown"
)

// Server handles signing requests against a shared certificate store. The
// store is read-mostly and its signing path serializes per key, so requests
// are handled concurrently without further locking.
type Server struct {
	store      *certstore.Store
	socketPath string
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Logger
	stopChan   chan struct{}
}

// NewServer builds a server around an already-opened store. Opening the
// store before binding the socket is the privilege boundary: by the time a
// client can connect, no privileged initialization remains to be done.
func NewServer(store *certstore.Store, socketPath string, log *logrus.Logger) *Server {
	s := &Server{
		store:      store,
		socketPath: socketPath,
		log:        log,
		stopChan:   make(chan struct{}, 1),
	}

	router := httprouter.New()
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, i interface{}) {
		http.Error(w, fmt.Errorf("panic: %v", i).Error(), http.StatusInternalServerError)
		s.log.Errorf("panic: %v\n%s", i, debug.Stack())
	}
	router.GET(routeHealth, s.health)
	router.POST(routeSign, s.sign)
	router.POST(routeFindCertificate, s.findCertificate)
	router.GET(routeShutdown, s.shutdown)

	handler := handlers.LoggingHandler(log.WriterLevel(logrus.DebugLevel), router)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(panicLogger{log: s.log}), handlers.PrintRecoveryStack(true))(handler)
	s.httpServer = &http.Server{Handler: handler}

	return s
}

type panicLogger struct {
	log *logrus.Logger
}

func (p panicLogger) Println(args ...interface{}) {
	p.log.Error(args...)
}

// ListenAndServe binds the unix socket and serves until Close or a shutdown
// request. A stale socket file from a crashed predecessor is removed first.
func (s *Server) ListenAndServe() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return errdefs.IOf("creating socket directory: %v", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errdefs.IOf("removing stale socket %q: %v", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errdefs.IOf("binding %q: %v", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return errdefs.IOf("setting socket permissions: %v", err)
	}
	s.listener = listener
	s.log.Infof("listening on %s", s.socketPath)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errChan:
		if err == http.ErrServerClosed {
			return nil
		}
		return errdefs.IOf("serving: %v", err)
	case <-s.stopChan:
		return nil
	}
}

// Close stops the server and removes the socket file.
func (s *Server) Close() error {
	s.log.Info("shutting down signing daemon")
	select {
	case s.stopChan <- struct{}{}:
	default:
	}
	_ = s.httpServer.Close()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	go s.Close()
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	log := s.log.WithField("request", uuid.NewString())

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, log, errdefs.Formatf("decoding sign request: %v", err))
		return
	}
	if req.Nickname == "" {
		s.writeError(w, log, errdefs.Configf("sign request names no certificate"))
		return
	}
	if len(req.Attributes) == 0 {
		s.writeError(w, log, errdefs.Configf("sign request carries no signed attributes"))
		return
	}
	alg, err := authenticode.ParseAlgorithm(req.Algorithm)
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	// Reject blobs that are not a well-formed attribute set before the
	// key gets anywhere near them.
	if _, err := authenticode.ParseSignedAttributes(req.Attributes); err != nil {
		s.writeError(w, log, err)
		return
	}

	id, err := s.store.FindSigner(req.Nickname, req.Token)
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	h := alg.Hash().New()
	h.Write(req.Attributes)
	sig, err := id.Sign(rand.Reader, h.Sum(nil), alg.Hash())
	if err != nil {
		s.writeError(w, log, err)
		return
	}
	log.Infof("signed attributes with %q (%s)", req.Nickname, alg)

	resp := SignResponse{Signature: sig, Certificate: id.Certificate.Raw}
	for _, c := range id.Chain {
		resp.Chain = append(resp.Chain, c.Raw)
	}
	s.writeJSON(w, log, &resp)
}

func (s *Server) findCertificate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	log := s.log.WithField("request", uuid.NewString())

	var req FindCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, log, errdefs.Formatf("decoding find-certificate request: %v", err))
		return
	}

	id, err := s.store.FindCertificate(req.Nickname, req.Token)
	if err != nil {
		s.writeError(w, log, err)
		return
	}

	resp := FindCertificateResponse{Certificate: id.Certificate.Raw, HasKey: id.HasKey()}
	for _, c := range id.Chain {
		resp.Chain = append(resp.Chain, c.Raw)
	}
	s.writeJSON(w, log, &resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, log *logrus.Entry, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writing response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	log.Warnf("request failed: %v", err)

	status := http.StatusInternalServerError
	switch {
	case errdefs.IsConfiguration(err), errdefs.IsFormat(err):
		status = http.StatusBadRequest
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&errorResponse{Kind: errdefs.Kind(err), Message: errdefs.Message(err)})
}

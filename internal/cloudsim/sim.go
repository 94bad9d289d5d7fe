// Package cloudsim stands in for the NeoBell cloud on a bench: an embedded
// MQTT broker answering every device request with canned data, and an HTTP
// sink for the pre-signed uploads it hands out.
package cloudsim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"neobell/edge/internal/errors"
	"neobell/edge/internal/iot"
	"neobell/edge/internal/model"
	"neobell/edge/internal/mqttbroker"
)

// Config sets where the simulator listens and what it knows.
type Config struct {
	MQTTBind  string
	HTTPBind  string
	UploadDir string
	// PublicURL prefixes pre-signed URLs; defaults to the bound HTTP address.
	PublicURL string
	// Packages maps tracking numbers or order ids to their status.
	Packages  map[string]string
	// Tags maps canonical NFC ids to a friendly name.
	Tags      map[string]string
	// Visitors maps face tag ids to a permission level, as if registered earlier.
	Visitors  map[string]string
}

type pendingUpload struct {
	headers  map[string]string
	complete func()
}

// Sim is the bench cloud.
type Sim struct {
	cfg    Config
	logger *slog.Logger
	broker *mqttbroker.Broker
	http   *http.Server
	ln     net.Listener

	mu       sync.Mutex
	packages map[string]string
	visitors map[string]string
	uploads  map[string]pendingUpload
	events   []model.LogEvent
}

func New(cfg Config, logger *slog.Logger) *Sim {
	s := &Sim{
		cfg:      cfg,
		logger:   logger,
		packages: map[string]string{},
		visitors: map[string]string{},
		uploads:  map[string]pendingUpload{},
	}
	for k, v := range cfg.Packages {
		s.packages[k] = v
	}
	for k, v := range cfg.Visitors {
		s.visitors[k] = v
	}
	return s
}

// Start binds the broker and the upload server. The returned channels carry
// fatal errors of each.
func (s *Sim) Start() (brokerErr, httpErr <-chan error, err error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "create %s", s.cfg.UploadDir)
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPBind)
	if err != nil {
		return nil, nil, errors.Wrap(err, "http listen")
	}
	s.ln = ln

	broker := mqttbroker.New(s.logger)
	broker.SetPublishHandler(s.handleMQTTPublish)
	bErr, err := broker.Start(s.cfg.MQTTBind)
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}
	s.broker = broker
	s.http = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	hErr := make(chan error, 1)
	go func() {
		s.logger.Info("upload server started", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	return bErr, hErr, nil
}

// BrokerAddr is the bound MQTT address.
func (s *Sim) BrokerAddr() string { return s.broker.Addr() }

// UploadBase is the URL prefix of pre-signed uploads.
func (s *Sim) UploadBase() string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/")
	}
	return "http://" + s.ln.Addr().String()
}

// Stop shuts both servers down.
func (s *Sim) Stop(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if s.broker != nil {
		errs = append(errs, s.broker.Stop())
	}
	return errors.Join(errs...)
}

// Run starts the simulator and blocks until ctx is cancelled or a server fails.
func (s *Sim) Run(ctx context.Context) error {
	brokerErrCh, httpErrCh, err := s.Start()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Stop(shutdownCtx); err != nil {
				return err
			}
			s.logger.Info("cloud simulator stopped")
			return nil
		case err := <-httpErrCh:
			_ = s.Stop(context.Background())
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			_ = s.Stop(context.Background())
			return err
		}
	}
}

// Events returns the log events received so far.
func (s *Sim) Events() []model.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LogEvent(nil), s.events...)
}

// PackageStatus returns the current status of a package.
func (s *Sim) PackageStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packages[id]
}

func (s *Sim) handleMQTTPublish(_ context.Context, msg mqttbroker.Message) {
	sbcID, action, ok := iot.ParseRequest(msg.Topic)
	if !ok {
		s.logger.Debug("ignoring publish", "topic", msg.Topic)
		return
	}

	resp, err := s.answer(action, msg.Payload)
	if err != nil {
		s.logger.Warn("request rejected", "sbc_id", sbcID, "action", action, "error", err)
		return
	}
	if resp == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", "action", action, "error", err)
		return
	}
	topic := iot.Routes(sbcID)[action].Response
	if err := s.broker.Publish(topic, data, 1); err != nil {
		s.logger.Error("publish response", "topic", topic, "error", err)
		return
	}
	s.logger.Info("answered request", "sbc_id", sbcID, "action", action)
}

func (s *Sim) answer(action iot.Action, payload []byte) (any, error) {
	switch action {
	case iot.ActionVisitorRegistration:
		var req model.UploadURLRequestVisitor
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if req.FaceTagID == "" {
			return model.UploadURLResponse{Error: "face_tag_id is required"}, nil
		}
		return s.presign("registration_"+req.FaceTagID+".jpg", map[string]string{
			"x-amz-meta-face-tag-id":      req.FaceTagID,
			"x-amz-meta-visitor-name":     req.VisitorName,
			"x-amz-meta-permission-level": req.PermissionLevel,
		}, func() {
			s.mu.Lock()
			s.visitors[req.FaceTagID] = req.PermissionLevel
			s.mu.Unlock()
		}), nil

	case iot.ActionVideoMessage:
		var req model.UploadURLRequestMessage
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		name := fmt.Sprintf("message_%s_%s.mp4", req.VisitorFaceTagID, uuid.NewString()[:8])
		return s.presign(name, map[string]string{
			"x-amz-meta-visitor-face-tag-id": req.VisitorFaceTagID,
			"x-amz-meta-duration-sec":        req.DurationSec,
		}, nil), nil

	case iot.ActionPermissionsCheck:
		var req model.PermissionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		s.mu.Lock()
		level, ok := s.visitors[req.FaceTagID]
		s.mu.Unlock()
		if !ok {
			return model.PermissionResponse{PermissionExists: false}, nil
		}
		return model.PermissionResponse{PermissionExists: true, PermissionLevel: level}, nil

	case iot.ActionPackageCheck:
		var req model.PackageRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		s.mu.Lock()
		status, ok := s.packages[req.IdentifierValue]
		s.mu.Unlock()
		if !ok {
			return model.PackageResponse{PackageFound: false}, nil
		}
		details := &model.PackageDetails{Status: status}
		if req.IdentifierType == model.IdentifierOrderID {
			details.OrderID = req.IdentifierValue
		} else {
			details.TrackingNumber = req.IdentifierValue
		}
		return model.PackageResponse{PackageFound: true, Details: details}, nil

	case iot.ActionPackageStatusUpdate:
		var req map[string]string
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		id := req[model.IdentifierTrackingNumber]
		if id == "" {
			id = req[model.IdentifierOrderID]
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.packages[id]; !ok {
			return model.StatusUpdateResponse{Success: false, Message: "package not found"}, nil
		}
		s.packages[id] = req["new_status"]
		return model.StatusUpdateResponse{Success: true}, nil

	case iot.ActionNFCVerify:
		var req model.NFCVerifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		name, ok := s.cfg.Tags[req.NFCIDScanned]
		if !ok {
			return model.NFCVerifyResponse{IsValid: false, Reason: "unknown tag"}, nil
		}
		return model.NFCVerifyResponse{IsValid: true, UserIDAssociated: "resident", TagFriendlyName: name}, nil

	case iot.ActionLogSubmission:
		var ev model.LogEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
		s.logger.Info("device event", "type", ev.EventType, "summary", ev.Summary)
		return nil, nil
	}
	return nil, fmt.Errorf("unhandled action %s", action)
}

// presign hands out an upload URL; complete runs once the file has arrived.
func (s *Sim) presign(name string, headers map[string]string, complete func()) model.UploadURLResponse {
	s.mu.Lock()
	s.uploads[name] = pendingUpload{headers: headers, complete: complete}
	s.mu.Unlock()
	return model.UploadURLResponse{
		PresignedURL:            s.UploadBase() + "/uploads/" + name,
		RequiredMetadataHeaders: headers,
	}
}

func (s *Sim) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("PUT /uploads/{name}", s.handleUpload)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

func (s *Sim) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Sim) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	up, ok := s.uploads[name]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown upload", http.StatusForbidden)
		return
	}

	var missing []string
	for k, v := range up.headers {
		if r.Header.Get(k) != v {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		http.Error(w, "signature mismatch: "+strings.Join(missing, ","), http.StatusForbidden)
		return
	}

	path := filepath.Join(s.cfg.UploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(f, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	delete(s.uploads, name)
	s.mu.Unlock()
	if up.complete != nil {
		up.complete()
	}
	s.logger.Info("upload stored", "name", name, "bytes", n, "content_type", r.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
}

func (s *Sim) handleEvents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Events()); err != nil {
		s.logger.Warn("encode events", "error", err)
	}
}

// Package iot talks to the NeoBell cloud over MQTT with mutual TLS and
// uploads media to pre-signed S3 URLs.
package iot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"neobell/edge/internal/config"
	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
)

const qos = 1

// slot is the latest answer received on one response topic.
type slot struct {
	mu      sync.Mutex
	waiting chan []byte
	latest  []byte
}

// Client is the device's MQTT session with the cloud.
type Client struct {
	sbcID    string
	cfg      config.MQTTConfig
	cloud    config.CloudConfig
	routes   map[Action]Route
	uploader *Uploader
	logger   *slog.Logger

	client    mqtt.Client
	connected atomic.Bool

	slots   map[string]*slot
	actions map[Action]*sync.Mutex
}

func New(sbcID string, cfg config.MQTTConfig, cloud config.CloudConfig, uploader *Uploader, logger *slog.Logger) *Client {
	routes := Routes(sbcID)
	c := &Client{
		sbcID:    sbcID,
		cfg:      cfg,
		cloud:    cloud,
		routes:   routes,
		uploader: uploader,
		logger:   logger,
		slots:    make(map[string]*slot),
		actions:  make(map[Action]*sync.Mutex),
	}
	for action, r := range routes {
		c.actions[action] = &sync.Mutex{}
		if r.Response != "" {
			c.slots[r.Response] = &slot{}
		}
	}
	return c
}

// BrokerURL is the address the client dials.
func (c *Client) BrokerURL() string {
	if c.cfg.BrokerURL != "" {
		return c.cfg.BrokerURL
	}
	return fmt.Sprintf("ssl://%s:%d", c.cfg.Endpoint, c.cfg.Port)
}

// Connect dials the broker and subscribes to every response topic.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.BrokerURL()).
		SetClientID(c.sbcID).
		SetCleanSession(true).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("mqtt connection interrupted", "error", err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.logger.Info("mqtt reconnecting")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			// a clean session drops subscriptions, so every resume re-subscribes
			if c.connected.Load() {
				c.logger.Info("mqtt connection resumed")
				go func() {
					if err := c.subscribe(); err != nil {
						c.logger.Error("mqtt resubscribe failed", "error", err)
					}
				}()
			}
		})

	if c.cfg.BrokerURL == "" {
		tlsCfg, err := LoadTLS(c.cfg.TLS)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	c.client = mqtt.NewClient(opts)
	if err := c.await(ctx, c.client.Connect(), c.cfg.ConnectTimeout); err != nil {
		return errors.Wrapf(err, "mqtt connect %s", c.BrokerURL())
	}
	if err := c.subscribe(); err != nil {
		c.client.Disconnect(250)
		return err
	}
	c.connected.Store(true)
	c.logger.Info("mqtt connected", "broker", c.BrokerURL(), "client_id", c.sbcID)
	return nil
}

func (c *Client) subscribe() error {
	filters := make(map[string]byte)
	for _, topic := range ResponseTopics(c.routes) {
		filters[topic] = qos
	}
	tok := c.client.SubscribeMultiple(filters, c.onMessage)
	if err := c.await(context.Background(), tok, c.cfg.ConnectTimeout); err != nil {
		return errors.Wrap(err, "mqtt subscribe")
	}
	c.logger.Debug("mqtt subscribed", "topics", len(filters))
	return nil
}

func (c *Client) await(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.Mark(errors.New("mqtt operation timed out"), errors.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s, ok := c.slots[msg.Topic()]
	if !ok {
		c.logger.Debug("mqtt message on unexpected topic", "topic", msg.Topic())
		return
	}
	payload := append([]byte(nil), msg.Payload()...)

	s.mu.Lock()
	s.latest = payload
	waiting := s.waiting
	s.mu.Unlock()

	if waiting != nil {
		select {
		case waiting <- payload:
		default:
		}
	}
	c.logger.Debug("mqtt response", "topic", msg.Topic(), "bytes", len(payload))
}

// PublishAndWait publishes payload on the action's request topic and waits
// for the next message on its response topic. One request per action is in
// flight at a time. A missing answer yields ErrTimeout.
func (c *Client) PublishAndWait(ctx context.Context, action Action, payload any, timeout time.Duration) ([]byte, error) {
	route, ok := c.routes[action]
	if !ok || route.Response == "" {
		return nil, fmt.Errorf("action %q has no response topic", action)
	}
	if c.client == nil {
		return nil, errors.New("mqtt client not connected")
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	lock := c.actions[action]
	lock.Lock()
	defer lock.Unlock()

	s := c.slots[route.Response]
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.latest = nil
	s.waiting = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = nil
		s.mu.Unlock()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", action)
	}

	c.logger.Debug("mqtt request", "action", action, "topic", route.Request)
	if err := c.await(ctx, c.client.Publish(route.Request, qos, false, data), timeout); err != nil {
		return nil, errors.Wrapf(err, "publish %s", action)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		s.mu.Lock()
		latest := s.latest
		s.mu.Unlock()
		return latest, nil
	case <-timer.C:
		c.logger.Warn("mqtt request timed out", "action", action, "timeout", timeout)
		return nil, errors.Mark(fmt.Errorf("no response for %s within %s", action, timeout), errors.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) call(ctx context.Context, action Action, req, resp any) error {
	raw, err := c.PublishAndWait(ctx, action, req, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s response", action), errors.ErrValidation)
	}
	return nil
}

// RegisterVisitor uploads a registration image for userID and returns the id.
func (c *Client) RegisterVisitor(ctx context.Context, imagePath, visitorName, userID, permissionLevel string) (string, error) {
	req := model.UploadURLRequestVisitor{FaceTagID: userID, VisitorName: visitorName, PermissionLevel: permissionLevel}
	var resp model.UploadURLResponse
	if err := c.call(ctx, ActionVisitorRegistration, req, &resp); err != nil {
		return "", err
	}
	if err := c.upload(ctx, resp, imagePath, "image/jpeg"); err != nil {
		return "", err
	}
	c.logger.Info("visitor registered in cloud", "user_id", userID, "name", visitorName, "permission", permissionLevel)
	return userID, nil
}

// SendVideoMessage uploads a recorded message from the visitor faceTagID.
func (c *Client) SendVideoMessage(ctx context.Context, videoPath, faceTagID string, duration time.Duration) error {
	req := model.UploadURLRequestMessage{
		VisitorFaceTagID: faceTagID,
		DurationSec:      strconv.FormatFloat(duration.Seconds(), 'f', -1, 64),
	}
	var resp model.UploadURLResponse
	if err := c.call(ctx, ActionVideoMessage, req, &resp); err != nil {
		return err
	}
	if err := c.upload(ctx, resp, videoPath, "video/mp4"); err != nil {
		return err
	}
	c.logger.Info("video message sent", "user_id", faceTagID, "duration", duration)
	return nil
}

func (c *Client) upload(ctx context.Context, resp model.UploadURLResponse, path, contentType string) error {
	if resp.PresignedURL == "" {
		reason := resp.Error
		if reason == "" {
			reason = "no presigned_url in response"
		}
		return errors.Mark(errors.New(reason), errors.ErrUpload)
	}
	return c.uploader.Upload(ctx, resp.PresignedURL, resp.RequiredMetadataHeaders, path, contentType)
}

// CheckPermissions asks the cloud what faceTagID may do.
func (c *Client) CheckPermissions(ctx context.Context, faceTagID string) (*model.PermissionResponse, error) {
	var resp model.PermissionResponse
	if err := c.call(ctx, ActionPermissionsCheck, model.PermissionRequest{FaceTagID: faceTagID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestPackageInfo looks a package up by order id or tracking number.
func (c *Client) RequestPackageInfo(ctx context.Context, identifierType, value string) (*model.PackageResponse, error) {
	if identifierType != model.IdentifierOrderID && identifierType != model.IdentifierTrackingNumber {
		return nil, errors.Mark(fmt.Errorf("unknown identifier type %q", identifierType), errors.ErrValidation)
	}
	var resp model.PackageResponse
	req := model.PackageRequest{IdentifierType: identifierType, IdentifierValue: value}
	if err := c.call(ctx, ActionPackageCheck, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusUpdatePayload builds the package_status_update request. The
// identifier key follows the configured backend contract.
func (c *Client) StatusUpdatePayload(identifier, newStatus string) map[string]string {
	field := c.cloud.StatusUpdateIdentifierField
	if field == "" {
		field = model.IdentifierTrackingNumber
	}
	payload := map[string]string{field: identifier, "new_status": newStatus}
	if c.cloud.StatusUpdateIncludeType {
		payload["identifier_type"] = field
	}
	return payload
}

// UpdatePackageStatus reports a new status for a package.
func (c *Client) UpdatePackageStatus(ctx context.Context, identifier, newStatus string) (*model.StatusUpdateResponse, error) {
	var resp model.StatusUpdateResponse
	if err := c.call(ctx, ActionPackageStatusUpdate, c.StatusUpdatePayload(identifier, newStatus), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyNFCTag validates a canonical tag id.
func (c *Client) VerifyNFCTag(ctx context.Context, id string) (*model.NFCVerifyResponse, error) {
	var resp model.NFCVerifyResponse
	if err := c.call(ctx, ActionNFCVerify, model.NFCVerifyRequest{NFCIDScanned: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitLog publishes an event without waiting for delivery.
func (c *Client) SubmitLog(eventType, summary string, details map[string]any) error {
	if c.client == nil {
		return errors.New("mqtt client not connected")
	}
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(model.LogEvent{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		EventType:    eventType,
		Summary:      summary,
		EventDetails: details,
	})
	if err != nil {
		return errors.Wrap(err, "encode log event")
	}
	c.client.Publish(c.routes[ActionLogSubmission].Request, qos, false, data)
	c.logger.Debug("log event submitted", "event", eventType)
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client == nil {
		return
	}
	c.connected.Store(false)
	c.client.Disconnect(250)
	c.logger.Info("mqtt disconnected")
}

// LoadTLS builds the mutual TLS configuration from PEM files.
func LoadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.PrivateKey)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "load client certificate"), errors.ErrConfig)
	}
	ca, err := os.ReadFile(cfg.RootCA)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "read root CA"), errors.ErrConfig)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.Mark(fmt.Errorf("no certificates in %s", cfg.RootCA), errors.ErrConfig)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

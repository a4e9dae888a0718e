// Package control runs the MQTT control plane: JSON commands arrive on the
// control topic and results are published on the response topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/poselive/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	ID      string                 `json:"id,omitempty"` // echoed in the response
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	ID         string      `json:"id,omitempty"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// SessionParams are the parameters of new_session
type SessionParams struct {
	Directory string
	Subject   string
	Attempt   int
	Overwrite bool
}

// CommandCallbacks contains callback functions for commands. A nil callback
// answers its command with a "not implemented" error.
type CommandCallbacks struct {
	OnGetStatus     func() interface{}
	OnStartCamera   func() error
	OnStopCamera    func() error
	OnStartPose     func(estimator string) error
	OnStopPose      func() error
	OnNewSession    func(SessionParams) (interface{}, error)
	OnStartRecord   func() error
	OnStopRecord    func() error
	OnSaveSession   func() (interface{}, error)
	OnDeleteSession func() error
	OnShutdown      func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	commands chan Command

	mu        sync.Mutex
	stopped   bool
	callbacks CommandCallbacks
}

// NewHandler creates a control plane handler on an MQTT client
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// done or Stop is called. Commands run one at a time, in arrival order.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	slog.Info("subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")
	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and stops command processing.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command, "id", cmd.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{CommandAck: cmd.Command, ID: cmd.ID, Status: "error", Error: "busy"})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its response.
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, ID: cmd.ID}
	cb := h.callbacks

	var (
		data interface{}
		err  error
		impl = true
	)
	switch cmd.Command {
	case "get_status":
		if impl = cb.OnGetStatus != nil; impl {
			data = cb.OnGetStatus()
		}
	case "start_camera":
		if impl = cb.OnStartCamera != nil; impl {
			err = cb.OnStartCamera()
		}
	case "stop_camera":
		if impl = cb.OnStopCamera != nil; impl {
			err = cb.OnStopCamera()
		}
	case "start_pose":
		if impl = cb.OnStartPose != nil; impl {
			name, ok := cmd.Params["estimator"].(string)
			if !ok || name == "" {
				err = fmt.Errorf("missing or invalid 'estimator' parameter (expected string)")
			} else {
				err = cb.OnStartPose(name)
			}
		}
	case "stop_pose":
		if impl = cb.OnStopPose != nil; impl {
			err = cb.OnStopPose()
		}
	case "new_session":
		if impl = cb.OnNewSession != nil; impl {
			var p SessionParams
			if p, err = sessionParams(cmd.Params); err == nil {
				data, err = cb.OnNewSession(p)
			}
		}
	case "start_record":
		if impl = cb.OnStartRecord != nil; impl {
			err = cb.OnStartRecord()
		}
	case "stop_record":
		if impl = cb.OnStopRecord != nil; impl {
			err = cb.OnStopRecord()
		}
	case "save_session":
		if impl = cb.OnSaveSession != nil; impl {
			data, err = cb.OnSaveSession()
		}
	case "delete_session":
		if impl = cb.OnDeleteSession != nil; impl {
			err = cb.OnDeleteSession()
		}
	case "shutdown":
		if impl = cb.OnShutdown != nil; impl {
			err = cb.OnShutdown()
		}
	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
		return resp
	}

	switch {
	case !impl:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("%s not implemented", cmd.Command)
	case err != nil:
		resp.Status = "error"
		resp.Error = err.Error()
		slog.Warn("control command failed", "command", cmd.Command, "error", err)
	default:
		resp.Status = "success"
		resp.Data = data
	}
	return resp
}

func sessionParams(params map[string]interface{}) (SessionParams, error) {
	var p SessionParams
	subject, ok := params["subject"].(string)
	if !ok || subject == "" {
		return p, fmt.Errorf("missing or invalid 'subject' parameter (expected string)")
	}
	p.Subject = subject
	p.Directory, _ = params["directory"].(string)
	p.Overwrite, _ = params["overwrite"].(bool)
	// JSON numbers decode as float64
	if a, ok := params["attempt"].(float64); ok {
		p.Attempt = int(a)
	}
	return p, nil
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Response, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

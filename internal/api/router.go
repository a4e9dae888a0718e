// Package api is the HTTP control surface of poselive: camera, pose and
// session commands, the live display frame and a websocket pose stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/poselive/internal/core"
	"github.com/e7canasta/poselive/internal/emitter"
	"github.com/e7canasta/poselive/internal/manager"
	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/types"
)

// Pipeline is what the API drives. *core.Service implements it.
type Pipeline interface {
	Status() core.Status
	HealthCheck() core.HealthStatus

	StartCamera() error
	StopCamera() error
	StartPose(name string) error
	StopPose() error

	OpenSession(dir, subject string, attempt int, overwrite bool) (*manager.Session, error)
	StartRecord() error
	StopRecord() error
	SaveSession() (manager.SaveResult, error)
	DeleteSession() error

	DisplayFrame() (types.Frame, bool)
	DisplayPose() (types.PoseSample, bool)
	Display() core.DisplayOptions

	Bus() *posebus.Bus
	InstanceID() string
	PoseMeta() emitter.Meta
}

// Server holds the handlers' dependencies.
type Server struct {
	p        Pipeline
	upgrader websocket.Upgrader
}

// NewRouter returns the HTTP handler for p.
func NewRouter(p Pipeline) http.Handler {
	s := &Server{
		p: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.LivenessHandler)
	r.Get("/readiness", s.ReadinessHandler)
	r.Get("/status", s.StatusHandler)

	r.Get("/frame.jpg", s.FrameHandler)
	r.Get("/pose", s.PoseHandler)
	r.Get("/pose/stream", s.PoseStreamHandler)

	r.Post("/camera/start", s.command(p.StartCamera))
	r.Post("/camera/stop", s.command(p.StopCamera))
	r.Post("/pose/start", s.StartPoseHandler)
	r.Post("/pose/stop", s.command(p.StopPose))
	r.Post("/record/start", s.command(p.StartRecord))
	r.Post("/record/stop", s.command(p.StopRecord))

	r.Post("/session", s.NewSessionHandler)
	r.Post("/session/save", s.SaveSessionHandler)
	r.Delete("/session", s.command(p.DeleteSession))

	return r
}

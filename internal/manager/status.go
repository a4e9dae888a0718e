package manager

import (
	"time"

	"github.com/e7canasta/poselive/internal/posebus"
	"github.com/e7canasta/poselive/internal/rate"
	"github.com/e7canasta/poselive/internal/types"
	"github.com/e7canasta/poselive/internal/workerproc"
)

// WorkerStatus describes one worker slot.
type WorkerStatus struct {
	Running bool                `json:"running"`
	Pid     int                 `json:"pid,omitempty"`
	Uptime  time.Duration       `json:"uptime,omitempty"`
	Writing bool                `json:"writing"`
	Metrics types.WorkerMetrics `json:"metrics"`
}

// Status is a point-in-time view of the pipeline
type Status struct {
	Camera       string                       `json:"camera"`
	Capture      WorkerStatus                 `json:"capture"`
	CaptureState string                       `json:"capture_state"`
	Writer       WorkerStatus                 `json:"writer"`
	Pose         WorkerStatus                 `json:"pose"`
	Estimator    string                       `json:"estimator,omitempty"`
	Unsaved      int                          `json:"unsaved_poses"`
	Recording    bool                         `json:"recording"`
	Session      *Session                     `json:"session,omitempty"`
	CaptureRate  rate.Stats                   `json:"capture_rate"`
	FrameSeq     uint64                       `json:"frame_seq"`
	TornReads    uint64                       `json:"torn_reads"`
	WriteQueue   int                          `json:"write_queue"`
	Dropped      uint64                       `json:"dropped_recorded_frames"`
	Commands     int                          `json:"pending_commands"`
	Replies      int                          `json:"pending_replies"`
	Published    uint64                       `json:"poses_published"`
	Subscribers  map[string]posebus.SlotStats `json:"subscribers,omitempty"`
}

// Status collects the workers' last reports, capture rate statistics and
// queue depths.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Camera:      m.cfg.CameraName,
		Recording:   m.recording,
		CaptureRate: m.tracker.Stats(),
		WriteQueue:  m.writer.pending(),
		Dropped:     m.dropped.Load(),
		Commands:    m.capture.pending() + m.pose.pending(),
		Published:   m.bus.Published(),
		Subscribers: m.bus.Stats(),
	}
	_, st.Replies = m.ch.Pending()
	if m.session != nil {
		s := *m.session
		st.Session = &s
	}
	if !m.closed {
		st.FrameSeq = m.buf.Latest().Seq
		st.TornReads = m.buf.TornReads()
	}

	st.CaptureState = "closed"
	if m.capture != nil {
		r := m.capture.report()
		st.Capture = workerStatus(m.capture, r)
		if r.State != "" {
			st.CaptureState = r.State
		}
	}
	if m.writer != nil {
		st.Writer = workerStatus(m.writer, m.writer.report())
	}
	if m.pose != nil {
		r := m.pose.report()
		st.Pose = workerStatus(m.pose, r)
		st.Estimator = m.poseName
		st.Unsaved = r.Accumulated
	}
	return st
}

func workerStatus(h *handle, r workerproc.Report) WorkerStatus {
	ws := WorkerStatus{Running: h.alive(), Metrics: r.Metrics}
	if ws.Running {
		ws.Pid = h.proc.Pid()
		ws.Uptime = time.Since(h.started())
		ws.Writing = r.Writing
	}
	return ws
}

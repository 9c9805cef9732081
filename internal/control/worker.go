package control

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/pkg/metrics"
)

// launchTimeout bounds a single provider launch attempt.
const launchTimeout = 5 * time.Minute

// destroyTimeout bounds a best-effort container teardown.
const destroyTimeout = 2 * time.Minute

// Launcher is the provider surface the worker drives. Implementations
// must be safe for use from a single goroutine at a time.
type Launcher interface {
	Launch(ctx context.Context, instanceID, publicKey string) error
	Destroy(ctx context.Context, instanceID string) error
}

// Instance is the single in-memory instance slot.
type Instance struct {
	ID        string
	Status    Status
	PublicKey string
	StartedAt time.Time
}

// event is one unit of work for the worker loop: either an inbound
// broker message or the completion of an async provider call.
type event struct {
	msg *Message

	launchDone  bool
	destroyDone bool
	instanceID  string
	err         error
}

// Worker owns the instance slot. All slot mutation happens on the Run
// goroutine; provider calls run async and report back through the queue.
type Worker struct {
	queue    *Queue[event]
	out      chan<- Message
	launcher Launcher
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	instance *Instance

	// snapshot mirrors the slot for readers outside the Run goroutine.
	mu       sync.Mutex
	snapshot *Instance
}

// NewWorker creates a worker writing replies to out.
func NewWorker(launcher Launcher, out chan<- Message, logger zerolog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		queue:    NewQueue[event](),
		out:      out,
		launcher: launcher,
		logger:   logger.With().Str("component", "worker").Logger(),
		metrics:  m,
	}
}

// Submit enqueues an inbound broker message. Never blocks.
func (w *Worker) Submit(msg Message) {
	m := msg
	w.queue.Push(event{msg: &m})
}

// Instance returns a copy of the current slot, or nil when empty. It is
// safe from any goroutine and intended for the local status endpoint.
func (w *Worker) Instance() *Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.snapshot == nil {
		return nil
	}
	copied := *w.snapshot
	return &copied
}

// Run processes events until ctx is done. It drains in FIFO order, one
// event at a time.
func (w *Worker) Run(ctx context.Context) {
	for {
		ev, err := w.queue.Pop(ctx)
		if err != nil {
			return
		}
		switch {
		case ev.msg != nil:
			w.handleMessage(ctx, *ev.msg)
		case ev.launchDone:
			w.handleLaunchResult(ev)
		case ev.destroyDone:
			w.handleDestroyResult(ev)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	if msg.Command == CmdHubPing {
		w.reply(Ack(msg.MessageID, ""))
		return
	}

	if w.instance == nil {
		w.handleEmptySlot(ctx, msg)
		return
	}

	// Per-instance commands must name the instance in the slot.
	if msg.InstanceID != "" && msg.InstanceID != w.instance.ID {
		w.logger.Warn().
			Str("cmd", string(msg.Command)).
			Str("id", msg.InstanceID).
			Str("instance", w.instance.ID).
			Msg("command for unknown instance")
		w.reply(Nack(msg.MessageID))
		return
	}

	switch w.instance.Status {
	case StatusInit:
		w.handleInit(ctx, msg)
	case StatusReady:
		w.handleReady(ctx, msg)
	case StatusInitFail:
		w.handleInitFail(msg)
	case StatusTerminating:
		w.reply(Nack(msg.MessageID))
	}
}

func (w *Worker) handleEmptySlot(ctx context.Context, msg Message) {
	if msg.Command != CmdInstanceLaunch {
		w.reply(Nack(msg.MessageID))
		return
	}

	w.setInstance(&Instance{
		ID:        msg.InstanceID,
		Status:    StatusInit,
		PublicKey: msg.PublicKey,
		StartedAt: time.Now(),
	})
	w.logger.Info().Str("instance", msg.InstanceID).Msg("launching instance")
	w.reply(Ack(msg.MessageID, ""))

	instanceID, publicKey := msg.InstanceID, msg.PublicKey
	go func() {
		launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
		defer cancel()
		err := w.launcher.Launch(launchCtx, instanceID, publicKey)
		w.queue.Push(event{launchDone: true, instanceID: instanceID, err: err})
	}()
}

func (w *Worker) handleInit(ctx context.Context, msg Message) {
	switch msg.Command {
	case CmdSSHTunDone:
		w.setStatus(StatusReady)
		w.logger.Info().Str("instance", w.instance.ID).Msg("instance ready")
		w.reply(Ack(msg.MessageID, ""))
	case CmdInstanceStatus:
		w.reply(Ack(msg.MessageID, w.instance.Status))
	case CmdInstanceDestroy:
		w.beginDestroy(ctx, msg.MessageID)
	default:
		w.reply(Nack(msg.MessageID))
	}
}

func (w *Worker) handleReady(ctx context.Context, msg Message) {
	switch msg.Command {
	case CmdInstanceStatus:
		w.reply(Ack(msg.MessageID, w.instance.Status))
	case CmdInstanceDestroy:
		w.beginDestroy(ctx, msg.MessageID)
	default:
		w.reply(Nack(msg.MessageID))
	}
}

func (w *Worker) handleInitFail(msg Message) {
	switch msg.Command {
	case CmdInstanceDestroy:
		w.logger.Info().Str("instance", w.instance.ID).Msg("clearing failed instance")
		w.setInstance(nil)
		w.reply(Ack(msg.MessageID, ""))
	case CmdInstanceStatus:
		w.reply(Ack(msg.MessageID, StatusInitFail))
	default:
		w.reply(Nack(msg.MessageID))
	}
}

// beginDestroy acks, moves the slot to TERMINATING, and tears down the
// container async. The slot empties when the teardown reports back,
// whether or not it succeeded.
func (w *Worker) beginDestroy(ctx context.Context, mi string) {
	w.setStatus(StatusTerminating)
	w.logger.Info().Str("instance", w.instance.ID).Msg("destroying instance")
	w.reply(Ack(mi, ""))

	instanceID := w.instance.ID
	go func() {
		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer cancel()
		err := w.launcher.Destroy(destroyCtx, instanceID)
		w.queue.Push(event{destroyDone: true, instanceID: instanceID, err: err})
	}()
}

func (w *Worker) handleLaunchResult(ev event) {
	if w.instance == nil || w.instance.ID != ev.instanceID || w.instance.Status != StatusInit {
		// Slot moved on (destroyed or replaced) while the launch ran.
		return
	}
	if ev.err == nil {
		w.metrics.LaunchesTotal.WithLabelValues("success").Inc()
		w.logger.Info().Str("instance", ev.instanceID).Msg("container up, awaiting tunnel")
		return
	}

	w.metrics.LaunchesTotal.WithLabelValues("failure").Inc()
	w.setStatus(StatusInitFail)
	w.logger.Error().Err(ev.err).Str("instance", ev.instanceID).Msg("instance launch failed")
	w.reply(Message{
		Command:    CmdInstanceStatus,
		InstanceID: ev.instanceID,
		Status:     StatusInitFail,
	})
}

func (w *Worker) handleDestroyResult(ev event) {
	if ev.err != nil {
		w.logger.Warn().Err(ev.err).Str("instance", ev.instanceID).Msg("container teardown incomplete")
	}
	w.metrics.DestroysTotal.Inc()
	if w.instance != nil && w.instance.ID == ev.instanceID {
		w.setInstance(nil)
	}
}

func (w *Worker) setInstance(inst *Instance) {
	w.instance = inst
	w.mu.Lock()
	if inst == nil {
		w.snapshot = nil
	} else {
		copied := *inst
		w.snapshot = &copied
	}
	w.mu.Unlock()
	if inst == nil {
		w.metrics.SetInstanceState("")
		return
	}
	w.metrics.SetInstanceState(string(inst.Status))
}

func (w *Worker) setStatus(status Status) {
	w.instance.Status = status
	w.mu.Lock()
	copied := *w.instance
	w.snapshot = &copied
	w.mu.Unlock()
	w.metrics.SetInstanceState(string(status))
}

func (w *Worker) reply(msg Message) {
	switch msg.Command {
	case CmdAck:
		w.metrics.RepliesTotal.WithLabelValues("ack").Inc()
	case CmdNack:
		w.metrics.RepliesTotal.WithLabelValues("nack").Inc()
	}
	w.out <- msg
}

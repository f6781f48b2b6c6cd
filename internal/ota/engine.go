package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/azymohliad/watchmate/internal/ble"
	"github.com/azymohliad/watchmate/internal/ble/protocol"
	"github.com/azymohliad/watchmate/internal/telemetry"
)

// State tracks one transfer through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateTransferring
	StateVerifying
	StateComplete
	StateAborted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateNegotiating:  "negotiating",
	StateTransferring: "transferring",
	StateVerifying:    "verifying",
	StateComplete:     "complete",
	StateAborted:      "aborted",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the transfer has finished, one way or another.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted || s == StateFailed
}

// Progress is one snapshot of a transfer, published on every state change
// and every acknowledged chunk.
type Progress struct {
	ID        ulid.ULID
	Kind      protocol.UpdateKind
	State     State
	Sent      uint32 // bytes acknowledged by the watch
	Total     uint32
	Suspended bool  // link is down, waiting to resume
	Err       error // set when State is StateFailed
}

// Percent returns acknowledged progress in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Sent) / float64(p.Total) * 100
}

// Stream is the engine's view of one acknowledgment subscription.
type Stream interface {
	Chan() <-chan protocol.Value
	Cancel()
}

// Link is the slice of the GATT client the engine needs. Sessions attach a
// fresh one on every reconnect.
type Link interface {
	Read(ctx context.Context, svc protocol.Service) (protocol.Value, error)
	Write(ctx context.Context, svc protocol.Service, v protocol.Value) error
	Subscribe(svc protocol.Service) (Stream, error)
}

// ClientLink adapts a live GATT client to the Link interface.
type ClientLink struct {
	Client *ble.Client
}

func (l ClientLink) Read(ctx context.Context, svc protocol.Service) (protocol.Value, error) {
	return l.Client.Read(ctx, svc)
}

func (l ClientLink) Write(ctx context.Context, svc protocol.Service, v protocol.Value) error {
	return l.Client.Write(ctx, svc, v)
}

func (l ClientLink) Subscribe(svc protocol.Service) (Stream, error) {
	n, err := l.Client.Subscribe(svc)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Options tune the chunk pipeline.
type Options struct {
	ChunkSize    int           // payload bytes per chunk
	ChunkRetries int           // resends of one chunk before ChunkTimeout
	AckTimeout   time.Duration // wait for any single acknowledgment
}

// DefaultOptions returns the chunk pipeline defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    200,
		ChunkRetries: 3,
		AckTimeout:   10 * time.Second,
	}
}

// StartOptions carry per-transfer flags.
type StartOptions struct {
	// Force skips the version gate, allowing downgrades and resource
	// archives outside their declared firmware range.
	Force bool
}

// Engine runs update transfers over the session link. At most one transfer
// is active at a time; a transfer survives link loss by suspending and
// resuming from the next unacknowledged chunk when a link is reattached.
type Engine struct {
	opts     Options
	progress *telemetry.Fanout[Progress]

	mu      sync.Mutex
	link    Link // nil while the session is not ready
	current *Transfer
}

// NewEngine creates an engine with no link attached.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkRetries <= 0 {
		opts.ChunkRetries = def.ChunkRetries
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	return &Engine{
		opts:     opts,
		progress: telemetry.NewFanout[Progress](),
	}
}

// SubscribeProgress returns a stream of transfer snapshots. Subscribe before
// Start to observe a transfer from its first state change.
func (e *Engine) SubscribeProgress(buf int) *telemetry.Stream[Progress] {
	return e.progress.Subscribe(buf)
}

// Attach hands the engine a live link. A suspended transfer resumes on it.
// Called by the session wiring on every transition to Ready.
func (e *Engine) Attach(link Link) {
	e.mu.Lock()
	e.link = link
	t := e.current
	e.mu.Unlock()
	if t != nil && !t.State().Terminal() {
		t.offerResume(link)
	}
}

// Detach drops the link. An in-flight transfer suspends once its next
// operation fails; new transfers are rejected with ErrNotReady.
func (e *Engine) Detach() {
	e.mu.Lock()
	e.link = nil
	e.mu.Unlock()
}

// Current returns the most recent transfer, terminal or not. Nil before the
// first Start.
func (e *Engine) Current() *Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Shutdown aborts any active transfer and ends all progress streams.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	t := e.current
	e.mu.Unlock()
	if t != nil {
		t.Abort()
	}
	e.progress.Close()
}

// Start begins a transfer of img. It fails fast with ErrAlreadyInProgress
// while another transfer is active and with ErrNotReady while no link is
// attached; either way the check is synchronous, so a successful Start is
// the only transfer running.
func (e *Engine) Start(ctx context.Context, img Image, opts StartOptions) (*Transfer, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	chunks := (len(img.Data) + e.opts.ChunkSize - 1) / e.opts.ChunkSize
	if chunks > 1<<16 {
		return nil, fmt.Errorf("ota: image needs %d chunks, chunk index allows %d", chunks, 1<<16)
	}

	e.mu.Lock()
	if e.current != nil && !e.current.terminal() {
		e.mu.Unlock()
		return nil, ErrAlreadyInProgress
	}
	link := e.link
	if link == nil {
		e.mu.Unlock()
		return nil, ErrNotReady
	}
	t := &Transfer{
		ID:     ulid.Make(),
		engine: e,
		img:    img,
		opts:   e.opts,
		chunks: chunks,
		done:   make(chan struct{}),
		abort:  make(chan struct{}),
		resume: make(chan Link, 1),
		state:  StateIdle,
		link:   link,
	}
	e.current = t
	e.mu.Unlock()

	slog.Info("[ota] transfer starting",
		"id", t.ID, "kind", img.Kind, "size", img.Size, "chunks", chunks)
	go t.run(ctx, link, opts.Force)
	return t, nil
}

// Transfer is one in-flight or finished update.
type Transfer struct {
	ID ulid.ULID

	engine *Engine
	img    Image
	opts   Options
	chunks int

	done      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	resume    chan Link

	mu        sync.Mutex
	state     State
	sent      int
	next      int // next chunk index awaiting acknowledgment
	suspended bool
	link      Link
	err       error
}

// Kind returns the payload kind.
func (t *Transfer) Kind() protocol.UpdateKind { return t.img.Kind }

// State returns the current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error: nil for Complete, ErrAborted for Aborted,
// the failure reason for Failed. Meaningful only after Done is closed.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Abort cancels the transfer and blocks until device-side state is released
// and the transfer is terminal. Aborting a finished transfer is a no-op.
func (t *Transfer) Abort() {
	t.abortOnce.Do(func() { close(t.abort) })
	<-t.done
}

func (t *Transfer) run(ctx context.Context, link Link, force bool) {
	err := t.execute(ctx, link, force)
	switch {
	case err == nil:
		t.finish(StateComplete, nil)
		slog.Info("[ota] transfer complete", "id", t.ID, "kind", t.img.Kind)
	case errors.Is(err, ErrAborted):
		t.sendAbortFrame()
		t.finish(StateAborted, ErrAborted)
		slog.Info("[ota] transfer aborted", "id", t.ID)
	default:
		t.finish(StateFailed, err)
		slog.Error("[ota] transfer failed", "id", t.ID, "error", err)
	}
	close(t.done)
}

func (t *Transfer) execute(ctx context.Context, link Link, force bool) error {
	t.setState(StateNegotiating)
	if err := t.gate(ctx, link, force); err != nil {
		return err
	}

	acks, err := link.Subscribe(protocol.ServiceUpdateAck)
	if err != nil {
		return linkErr(err)
	}
	defer func() { acks.Cancel() }()

	begin := protocol.BeginRequest{Kind: t.img.Kind, Size: t.img.Size, Checksum: t.img.Checksum}
	if err := link.Write(ctx, protocol.ServiceUpdateControl, begin); err != nil {
		return linkErr(err)
	}
	if err := t.awaitBegin(acks); err != nil {
		return err
	}

	t.setState(StateTransferring)
	link, acks, err = t.sendChunks(ctx, link, acks)
	if err != nil {
		return err
	}

	t.setState(StateVerifying)
	if err := link.Write(ctx, protocol.ServiceUpdateControl, protocol.VerifyRequest{}); err != nil {
		return linkErr(err)
	}
	return t.awaitVerify(acks)
}

// gate enforces version compatibility before any bytes are sent.
func (t *Transfer) gate(ctx context.Context, link Link, force bool) error {
	v, err := link.Read(ctx, protocol.ServiceFirmwareVersion)
	if err != nil {
		return linkErr(err)
	}
	rev, ok := v.(protocol.FirmwareRevision)
	if !ok {
		return fmt.Errorf("ota: unexpected firmware revision value %T", v)
	}
	installed := rev.Version

	switch t.img.Kind {
	case protocol.KindFirmware:
		if force {
			return nil
		}
		if cmp, comparable := compareVersions(t.img.Version, installed); comparable && cmp < 0 {
			return fmt.Errorf("%w: target %s older than installed %s",
				ErrIncompatibleVersion, t.img.Version, installed)
		}
	case protocol.KindResourceArchive:
		manifest, err := ParseManifest(t.img.Data)
		if err != nil {
			return err
		}
		if err := manifest.Validate(t.img.Data); err != nil {
			return err
		}
		if !force {
			if err := manifest.CompatibleWith(installed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transfer) awaitBegin(acks Stream) error {
	err := t.awaitAck(acks, func(v protocol.Value) (bool, error) {
		ack, ok := v.(protocol.BeginAck)
		if !ok {
			return false, nil
		}
		switch ack.Status {
		case protocol.StatusOK:
			return true, nil
		case protocol.StatusIncompatibleVersion:
			return false, fmt.Errorf("%w: rejected by watch", ErrIncompatibleVersion)
		default:
			return false, fmt.Errorf("ota: watch rejected transfer: %s", ack.Status)
		}
	})
	switch {
	case errors.Is(err, errSuspended):
		return fmt.Errorf("%w during negotiation", ErrLinkLost)
	case errors.Is(err, errAckTimeout):
		return fmt.Errorf("ota: watch did not answer transfer request")
	default:
		return err
	}
}

// sendChunks drives the chunk loop, suspending and resuming across link
// loss. It returns the link and ack stream in use when the last chunk was
// acknowledged, which may differ from the ones it started with.
func (t *Transfer) sendChunks(ctx context.Context, link Link, acks Stream) (Link, Stream, error) {
	for {
		next := t.nextIndex()
		if next >= t.chunks {
			return link, acks, nil
		}
		start := next * t.opts.ChunkSize
		end := min(start+t.opts.ChunkSize, len(t.img.Data))
		payload := t.img.Data[start:end]

		err := t.sendChunk(ctx, link, acks, next, payload)
		switch {
		case err == nil:
			t.advance(len(payload))
		case errors.Is(err, errSuspended):
			newLink, newAcks, rerr := t.awaitResume(ctx)
			if rerr != nil {
				return link, acks, rerr
			}
			acks.Cancel()
			link, acks = newLink, newAcks
			t.storeLink(link)
		default:
			return link, acks, err
		}
	}
}

// sendChunk writes one chunk and waits for its acknowledgment, retrying a
// bounded number of times. Acks for other indices are duplicates or stale
// and never advance progress.
func (t *Transfer) sendChunk(ctx context.Context, link Link, acks Stream, index int, payload []byte) error {
	attempts := t.opts.ChunkRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			slog.Debug("[ota] resending chunk", "id", t.ID, "chunk", index, "attempt", attempt+1)
		}
		chunk := protocol.Chunk{Index: uint16(index), Payload: payload}
		if err := link.Write(ctx, protocol.ServiceUpdateData, chunk); err != nil {
			if errors.Is(err, ble.ErrDisconnected) {
				return errSuspended
			}
			if errors.Is(err, ble.ErrTimeout) {
				continue
			}
			return err
		}

		err := t.awaitAck(acks, func(v protocol.Value) (bool, error) {
			ack, ok := v.(protocol.ChunkAck)
			if !ok || int(ack.Index) != index {
				return false, nil
			}
			if ack.Status != protocol.StatusOK {
				return false, fmt.Errorf("ota: watch rejected chunk %d: %s", index, ack.Status)
			}
			return true, nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errAckTimeout) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: chunk %d after %d attempts", ErrChunkTimeout, index, attempts)
}

// awaitResume parks the transfer until a fresh link is attached, then
// re-subscribes and replays the resume handshake from the next
// unacknowledged chunk.
func (t *Transfer) awaitResume(ctx context.Context) (Link, Stream, error) {
	t.setSuspended(true)
	defer t.setSuspended(false)
	slog.Info("[ota] transfer suspended", "id", t.ID, "next_chunk", t.nextIndex())

	select {
	case <-t.abort:
		return nil, nil, ErrAborted
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case link := <-t.resume:
		acks, err := link.Subscribe(protocol.ServiceUpdateAck)
		if err != nil {
			return nil, nil, linkErr(err)
		}
		req := protocol.ResumeRequest{NextIndex: uint16(t.nextIndex())}
		if err := link.Write(ctx, protocol.ServiceUpdateControl, req); err != nil {
			acks.Cancel()
			return nil, nil, linkErr(err)
		}
		err = t.awaitAck(acks, func(v protocol.Value) (bool, error) {
			ack, ok := v.(protocol.ResumeAck)
			if !ok {
				return false, nil
			}
			if ack.Status != protocol.StatusOK {
				return false, fmt.Errorf("%w: watch refused resume: %s", ErrLinkLost, ack.Status)
			}
			return true, nil
		})
		if err != nil {
			acks.Cancel()
			if errors.Is(err, errSuspended) || errors.Is(err, errAckTimeout) {
				return nil, nil, fmt.Errorf("%w: resume handshake failed", ErrLinkLost)
			}
			return nil, nil, err
		}
		slog.Info("[ota] transfer resumed", "id", t.ID, "next_chunk", t.nextIndex())
		return link, acks, nil
	}
}

func (t *Transfer) awaitVerify(acks Stream) error {
	err := t.awaitAck(acks, func(v protocol.Value) (bool, error) {
		res, ok := v.(protocol.VerifyResult)
		if !ok {
			return false, nil
		}
		if res.Status != protocol.StatusOK || res.Checksum != t.img.Checksum {
			return false, fmt.Errorf("%w: watch reported %08x (%s), want %08x",
				ErrIntegrityMismatch, res.Checksum, res.Status, t.img.Checksum)
		}
		return true, nil
	})
	switch {
	case errors.Is(err, errSuspended):
		return fmt.Errorf("%w during verification", ErrLinkLost)
	case errors.Is(err, errAckTimeout):
		return fmt.Errorf("ota: watch did not report verification result")
	default:
		return err
	}
}

// awaitAck reads the ack stream until match accepts a value, the abort is
// requested, the per-ack timeout elapses, or the stream ends with the link.
func (t *Transfer) awaitAck(acks Stream, match func(protocol.Value) (bool, error)) error {
	timer := time.NewTimer(t.opts.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-acks.Chan():
			if !ok {
				return errSuspended
			}
			done, err := match(v)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-t.abort:
			return ErrAborted
		case <-timer.C:
			return errAckTimeout
		}
	}
}

// sendAbortFrame tells the watch to drop transfer state. Best effort: the
// link may already be gone.
func (t *Transfer) sendAbortFrame() {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Write(ctx, protocol.ServiceUpdateControl, protocol.AbortRequest{}); err != nil {
		slog.Debug("[ota] abort frame not delivered", "id", t.ID, "error", err)
	}
}

func (t *Transfer) offerResume(link Link) {
	select {
	case t.resume <- link:
	default:
	}
}

func (t *Transfer) nextIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (t *Transfer) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Terminal()
}

func (t *Transfer) storeLink(link Link) {
	t.mu.Lock()
	t.link = link
	t.mu.Unlock()
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.publish()
}

func (t *Transfer) setSuspended(suspended bool) {
	t.mu.Lock()
	t.suspended = suspended
	t.mu.Unlock()
	t.publish()
}

func (t *Transfer) advance(bytes int) {
	t.mu.Lock()
	t.next++
	t.sent += bytes
	t.mu.Unlock()
	t.publish()
}

func (t *Transfer) finish(s State, err error) {
	t.mu.Lock()
	t.state = s
	t.err = err
	t.suspended = false
	t.mu.Unlock()
	t.publish()
}

func (t *Transfer) publish() {
	t.mu.Lock()
	p := Progress{
		ID:        t.ID,
		Kind:      t.img.Kind,
		State:     t.state,
		Sent:      uint32(t.sent),
		Total:     t.img.Size,
		Suspended: t.suspended,
		Err:       t.err,
	}
	t.mu.Unlock()
	t.engine.progress.Publish(p)
}

// linkErr maps transport-level disconnects onto the transfer taxonomy.
func linkErr(err error) error {
	if errors.Is(err, ble.ErrDisconnected) {
		return fmt.Errorf("%w: %v", ErrLinkLost, err)
	}
	return err
}

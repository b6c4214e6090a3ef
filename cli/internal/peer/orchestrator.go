package peer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BioHazard786/Warpcam/cli/internal/control"
	"github.com/BioHazard786/Warpcam/cli/internal/presence"
	"github.com/BioHazard786/Warpcam/cli/internal/rtc"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultRetryBackoff = 3 * time.Second
	eventBuffer         = 64

	// heartbeatGrace bounds how old a heartbeat can be when it reaches us.
	// Viewers that left within it are not re-added from a heartbeat, and
	// provisional entries unseen for longer are dropped.
	heartbeatGrace = 30 * time.Second
)

// Signaler carries the orchestrator's outbound signaling to the relay.
type Signaler interface {
	SendOffer(v Viewer, desc webrtc.SessionDescription) error
	SendCandidate(viewerID string, c webrtc.ICECandidateInit) error
	SendState(viewerID string, state string) error
}

// Options configures an Orchestrator.
type Options struct {
	Factory      SessionFactory
	Signaler     Signaler
	RetryBackoff time.Duration
	// MaxRetries caps consecutive failed attempts per viewer. Zero means no cap.
	MaxRetries int
	SourceName string
	Logger     *slog.Logger
}

type EventKind int

const (
	EventViewerAdded EventKind = iota
	EventViewerRemoved
	EventStateChanged
	EventRetryScheduled
	EventGaveUp
)

func (k EventKind) String() string {
	switch k {
	case EventViewerAdded:
		return "viewer-added"
	case EventViewerRemoved:
		return "viewer-removed"
	case EventStateChanged:
		return "state-changed"
	case EventRetryScheduled:
		return "retry-scheduled"
	case EventGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// Event reports a change to one viewer's session.
type Event struct {
	Kind    EventKind
	Viewer  Viewer
	State   State
	Attempt int
	Err     error
}

type retryTask struct {
	timer *time.Timer
	token uint64
}

type viewerEntry struct {
	info     Viewer
	session  *PeerSession
	pending  rtc.CandidateQueue
	attempts int
	retry    *retryTask
	// provisional entries exist only because a candidate arrived before
	// the viewer was announced.
	provisional bool
	lastSeen    time.Time
}

// offerJob is an offer built under o.mu that is sent after the lock is
// released, together with media sessions to close.
type offerJob struct {
	viewer  Viewer
	ps      *PeerSession
	offer   webrtc.SessionDescription
	release []MediaSession
}

// Orchestrator keeps one independent MediaSession per viewer while the
// source is streaming.
type Orchestrator struct {
	mu        sync.Mutex
	opts      Options
	viewers   map[string]*viewerEntry
	departed  map[string]time.Time
	streaming bool
	startedAt time.Time
	nextToken uint64
	events    chan Event
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opts:     opts,
		viewers:  make(map[string]*viewerEntry),
		departed: make(map[string]time.Time),
		events:   make(chan Event, eventBuffer),
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Events delivers session changes. Events are dropped when nobody reads.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}

// Streaming reports whether Start has been called without a matching Stop.
func (o *Orchestrator) Streaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Start begins streaming and opens a session for every known viewer.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return
	}
	o.streaming = true
	o.startedAt = time.Now()

	var jobs []*offerJob
	for _, e := range o.viewers {
		if e.provisional {
			continue
		}
		jobs = append(jobs, o.startSessionLocked(e))
	}
	o.mu.Unlock()

	o.sendOffers(jobs...)
}

// Stop tears down every session and cancels pending retries. Viewers stay
// known so a later Start reaches them again.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.streaming {
		o.mu.Unlock()
		return
	}
	o.streaming = false

	var stale []MediaSession
	for _, e := range o.viewers {
		o.cancelRetryLocked(e)
		e.attempts = 0
		e.pending.Reset()
		stale = appendMedia(stale, o.teardownLocked(e))
	}
	o.mu.Unlock()

	closeAll(stale)
}

// AddViewer records a viewer that joined the room. While streaming it opens
// a session, unless the viewer already has one that is negotiating or
// connected. A failed or given-up session is replaced.
func (o *Orchestrator) AddViewer(v Viewer) {
	if v.ID == "" {
		return
	}

	o.mu.Lock()
	delete(o.departed, v.ID)
	job, added := o.addViewerLocked(v)
	o.mu.Unlock()

	o.sendOffers(job)
	if added {
		o.emit(Event{Kind: EventViewerAdded, Viewer: v, State: StateNew})
	}
}

func (o *Orchestrator) addViewerLocked(v Viewer) (*offerJob, bool) {
	e, ok := o.viewers[v.ID]
	if !ok {
		e = &viewerEntry{}
		o.viewers[v.ID] = e
	}
	if e.session != nil && e.session.active() {
		e.info = v
		o.logger.Debug("viewer already has a session", "viewer_id", v.ID, "state", e.session.state)
		return nil, false
	}

	e.info = v
	e.provisional = false
	e.attempts = 0
	o.cancelRetryLocked(e)
	if !o.streaming {
		return nil, true
	}
	if e.session != nil {
		e.pending.Reset()
	}
	return o.startSessionLocked(e), true
}

// RemoveViewer closes the viewer's session and forgets it.
func (o *Orchestrator) RemoveViewer(viewerID string) {
	o.mu.Lock()
	o.departed[viewerID] = o.now()
	e, ok := o.viewers[viewerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.viewers, viewerID)
	o.cancelRetryLocked(e)
	e.pending.Reset()
	stale := o.teardownLocked(e)
	o.mu.Unlock()

	if stale != nil {
		closeMedia(stale)
	}
	o.emit(Event{Kind: EventViewerRemoved, Viewer: e.info, State: StateClosed})
}

// Reconcile compares an occupancy list from a heartbeat with the tracked
// viewers. Heartbeats can arrive after newer membership changes, so it never
// closes or replaces a session: it only opens sessions for listed viewers
// that are not tracked and did not just leave. Tracked viewers missing from
// the list are returned and left alone. Provisional entries unlisted for
// longer than heartbeatGrace are dropped.
func (o *Orchestrator) Reconcile(viewers []Viewer) (added, missing []string) {
	listed := make(map[string]Viewer, len(viewers))
	remote := make([]string, 0, len(viewers))
	for _, v := range viewers {
		if v.ID == "" {
			continue
		}
		listed[v.ID] = v
		remote = append(remote, v.ID)
	}

	o.mu.Lock()
	now := o.now()
	for id, at := range o.departed {
		if now.Sub(at) > heartbeatGrace {
			delete(o.departed, id)
		}
	}

	local := make([]string, 0, len(o.viewers))
	for id, e := range o.viewers {
		if !e.provisional {
			local = append(local, id)
			continue
		}
		if _, ok := listed[id]; !ok && now.Sub(e.lastSeen) > heartbeatGrace {
			o.logger.Debug("dropping candidates for unknown viewer", "viewer_id", id, "count", e.pending.Len())
			e.pending.Reset()
			delete(o.viewers, id)
		}
	}

	unknown, missing := presence.Diff(local, remote)
	var jobs []*offerJob
	for _, id := range unknown {
		if _, left := o.departed[id]; left {
			o.logger.Debug("heartbeat lists a viewer that left", "viewer_id", id)
			continue
		}
		o.logger.Info("viewer found in heartbeat, adding", "viewer_id", id)
		job, _ := o.addViewerLocked(listed[id])
		jobs = append(jobs, job)
		added = append(added, id)
	}
	o.mu.Unlock()

	for _, id := range missing {
		o.logger.Debug("tracked viewer missing from heartbeat", "viewer_id", id)
	}
	o.sendOffers(jobs...)
	for _, id := range added {
		o.emit(Event{Kind: EventViewerAdded, Viewer: listed[id], State: StateNew})
	}
	return added, missing
}

// HandleAnswer applies a viewer's answer. An answer for a viewer without a
// session starts a new session and offer instead.
func (o *Orchestrator) HandleAnswer(v Viewer, desc webrtc.SessionDescription) error {
	if v.ID == "" {
		return newSessionError("answer", "", ErrMissingViewerID)
	}

	o.mu.Lock()
	if !o.streaming {
		o.mu.Unlock()
		return newSessionError("answer", v.ID, ErrNotStreaming)
	}

	e, ok := o.viewers[v.ID]
	if !ok {
		e = &viewerEntry{info: v}
		o.viewers[v.ID] = e
	} else if e.provisional {
		e.info = v
		e.provisional = false
	}

	log := o.logger.With("viewer_id", v.ID, "viewer_number", v.Number)

	if e.session == nil {
		log.Info("answer for viewer without a session, sending fresh offer")
		if e.info.Number == 0 {
			e.info = v
		}
		job := o.startSessionLocked(e)
		o.mu.Unlock()
		o.sendOffers(job)
		return nil
	}

	ps := e.session
	if ps.state == StateFailed && e.retry == nil {
		log.Info("answer after giving up, starting over")
		e.attempts = 0
		e.pending.Reset()
		job := o.startSessionLocked(e)
		o.mu.Unlock()
		o.sendOffers(job)
		return nil
	}
	if ps.state != StateOfferSent {
		log.Info("ignoring answer", "state", ps.state)
		o.mu.Unlock()
		return nil
	}

	if err := ps.media.SetRemoteDescription(desc); err != nil {
		released := o.failLocked(e, err)
		o.mu.Unlock()
		if released != nil {
			closeMedia(released)
		}
		return newSessionError("set remote description", v.ID, err)
	}
	ps.remoteSet = true
	o.setStateLocked(e, StateAnswered)

	applied := rtc.ApplyPending(&e.pending, ps.media.AddICECandidate, func(c webrtc.ICECandidateInit, err error) {
		log.Warn("discarding queued candidate", "candidate", c.Candidate, "error", err)
	})
	if applied > 0 {
		log.Debug("applied queued candidates", "count", applied)
	}
	o.mu.Unlock()

	o.sendState(v.ID, StateAnswered)
	return nil
}

// HandleCandidate applies a viewer's candidate, queueing it until the
// viewer's session has a remote description.
func (o *Orchestrator) HandleCandidate(viewerID string, c webrtc.ICECandidateInit) error {
	if viewerID == "" {
		return newSessionError("candidate", "", ErrMissingViewerID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.viewers[viewerID]
	if !ok {
		e = &viewerEntry{info: Viewer{ID: viewerID}, provisional: true}
		o.viewers[viewerID] = e
	}
	if e.provisional {
		e.lastSeen = o.now()
	}

	ps := e.session
	if ps == nil || !ps.remoteSet {
		e.pending.Push(c)
		return nil
	}

	if ps.state == StateFailed || ps.state == StateClosed {
		o.logger.Debug("dropping candidate for inactive session", "viewer_id", viewerID, "state", ps.state)
		return nil
	}

	if err := rtc.ValidateCandidate(c); err != nil {
		return newSessionError("candidate", viewerID, err)
	}
	if err := ps.media.AddICECandidate(c); err != nil {
		return newSessionError("add candidate", viewerID, err)
	}
	return nil
}

// SendAlert mirrors an alert over every connected session's control
// channel and reports how many viewers it reached.
func (o *Orchestrator) SendAlert(a control.Alert) int {
	frame, err := control.Encode(control.TypeAlert, a)
	if err != nil {
		o.logger.Warn("encode alert", "error", err)
		return 0
	}

	o.mu.Lock()
	targets := make(map[string]MediaSession)
	for id, e := range o.viewers {
		if e.session != nil && e.session.state == StateConnected {
			targets[id] = e.session.media
		}
	}
	o.mu.Unlock()

	sent := 0
	for id, m := range targets {
		if err := m.SendControl(frame); err != nil {
			o.logger.Debug("alert not mirrored", "viewer_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Sessions returns a snapshot of every viewer ordered by viewer number.
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.Lock()
	out := make([]SessionInfo, 0, len(o.viewers))
	for _, e := range o.viewers {
		if e.provisional {
			continue
		}
		info := SessionInfo{
			Viewer:            e.info,
			State:             StateNew,
			Attempts:          e.attempts,
			RetryPending:      e.retry != nil,
			PendingCandidates: e.pending.Len(),
		}
		if e.session != nil {
			info.HasSession = true
			info.State = e.session.state
		}
		out = append(out, info)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Viewer.Number != out[j].Viewer.Number {
			return out[i].Viewer.Number < out[j].Viewer.Number
		}
		return out[i].Viewer.ID < out[j].Viewer.ID
	})
	return out
}

// startSessionLocked replaces e's session with a new one and builds its
// offer. The returned job must be passed to sendOffers after o.mu is
// released.
func (o *Orchestrator) startSessionLocked(e *viewerEntry) *offerJob {
	job := &offerJob{viewer: e.info}
	job.release = appendMedia(job.release, o.teardownLocked(e))

	ps := newPeerSession(e.info)
	e.session = ps
	log := o.logger.With("viewer_id", e.info.ID, "viewer_number", e.info.Number)

	media, err := o.opts.Factory(e.info, o.hooks(ps))
	if err != nil {
		log.Error("create session", "error", err)
		job.release = appendMedia(job.release, o.failLocked(e, err))
		return job
	}
	ps.media = media

	offer, err := media.CreateOffer()
	if err != nil {
		log.Error("create offer", "error", err)
		job.release = appendMedia(job.release, o.failLocked(e, err))
		return job
	}

	// The answer can only follow the send, so the state is set first.
	o.setStateLocked(e, StateOfferSent)
	job.ps = ps
	job.offer = offer
	return job
}

// sendOffers closes released media and sends each built offer. It must be
// called without o.mu held.
func (o *Orchestrator) sendOffers(jobs ...*offerJob) {
	for _, job := range jobs {
		if job == nil {
			continue
		}
		closeAll(job.release)
		if job.ps != nil {
			o.sendOffer(job)
		}
	}
}

func (o *Orchestrator) sendOffer(job *offerJob) {
	viewerID := job.viewer.ID
	log := o.logger.With("viewer_id", viewerID, "viewer_number", job.viewer.Number)

	if !o.awaitingSend(viewerID, job.ps) {
		log.Debug("session replaced or failed before its offer was sent")
		return
	}

	if err := o.opts.Signaler.SendOffer(job.viewer, job.offer); err != nil {
		log.Error("send offer", "error", err)
		var released MediaSession
		o.mu.Lock()
		if e, ok := o.viewers[viewerID]; ok && e.session == job.ps && job.ps.state == StateOfferSent {
			released = o.failLocked(e, err)
		}
		o.mu.Unlock()
		if released != nil {
			closeMedia(released)
		}
		return
	}

	job.ps.openLocal(func(c webrtc.ICECandidateInit) {
		o.sendCandidate(viewerID, c)
	})
	log.Debug("offer sent")
}

// awaitingSend reports whether ps is still the viewer's session and has not
// moved past offer-sent.
func (o *Orchestrator) awaitingSend(viewerID string, ps *PeerSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.viewers[viewerID]
	return ok && e.session == ps && ps.state == StateOfferSent
}

// teardownLocked marks e's session closed and detaches it.
func (o *Orchestrator) teardownLocked(e *viewerEntry) MediaSession {
	ps := e.session
	if ps == nil {
		return nil
	}
	e.session = nil
	ps.state = StateClosed
	ps.closeLocal()
	return ps.media
}

func (o *Orchestrator) setStateLocked(e *viewerEntry, s State) {
	e.session.state = s
	o.emit(Event{Kind: EventStateChanged, Viewer: e.info, State: s, Attempt: e.attempts})
}

// failLocked marks the session failed and schedules its retry. When the
// retry cap is spent it detaches the session's media and returns it for the
// caller to close after releasing o.mu.
func (o *Orchestrator) failLocked(e *viewerEntry, cause error) MediaSession {
	if e.session != nil {
		e.session.state = StateFailed
		e.session.closeLocal()
	}
	o.emit(Event{Kind: EventStateChanged, Viewer: e.info, State: StateFailed, Attempt: e.attempts, Err: cause})
	if !o.scheduleRetryLocked(e) || e.session == nil {
		return nil
	}
	media := e.session.media
	e.session.media = nil
	return media
}

// scheduleRetryLocked arms a single retry for e unless one is pending or
// the retry cap is spent. It reports whether it gave up.
func (o *Orchestrator) scheduleRetryLocked(e *viewerEntry) bool {
	if e.retry != nil || !o.streaming {
		return false
	}

	e.attempts++
	if o.opts.MaxRetries > 0 && e.attempts > o.opts.MaxRetries {
		o.logger.Warn("giving up on viewer", "viewer_id", e.info.ID, "attempts", e.attempts-1)
		o.emit(Event{Kind: EventGaveUp, Viewer: e.info, State: StateFailed, Attempt: e.attempts - 1})
		return true
	}

	o.nextToken++
	token := o.nextToken
	viewerID := e.info.ID
	e.retry = &retryTask{
		token: token,
		timer: time.AfterFunc(o.opts.RetryBackoff, func() { o.fireRetry(viewerID, token) }),
	}
	o.logger.Info("retry scheduled", "viewer_id", viewerID, "attempt", e.attempts, "backoff", o.opts.RetryBackoff)
	o.emit(Event{Kind: EventRetryScheduled, Viewer: e.info, State: StateFailed, Attempt: e.attempts})
	return false
}

func (o *Orchestrator) cancelRetryLocked(e *viewerEntry) {
	if e.retry == nil {
		return
	}
	e.retry.timer.Stop()
	e.retry = nil
}

func (o *Orchestrator) fireRetry(viewerID string, token uint64) {
	o.mu.Lock()
	e, ok := o.viewers[viewerID]
	if !ok || e.retry == nil || e.retry.token != token {
		o.mu.Unlock()
		return
	}
	e.retry = nil
	if !o.streaming {
		o.mu.Unlock()
		return
	}

	e.pending.Reset()
	job := o.startSessionLocked(e)
	o.mu.Unlock()

	o.sendOffers(job)
}

func (o *Orchestrator) hooks(ps *PeerSession) SessionHooks {
	viewerID := ps.Viewer.ID
	return SessionHooks{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			ps.gateLocal(c, func(c webrtc.ICECandidateInit) {
				o.sendCandidate(viewerID, c)
			})
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			o.onConnectionState(ps, s)
		},
		OnControlOpen: func() {
			o.onControlOpen(ps)
		},
	}
}

func (o *Orchestrator) sendCandidate(viewerID string, c webrtc.ICECandidateInit) {
	if err := o.opts.Signaler.SendCandidate(viewerID, c); err != nil {
		o.logger.Warn("send candidate", "viewer_id", viewerID, "error", err)
	}
}

func (o *Orchestrator) sendState(viewerID string, s State) {
	if err := o.opts.Signaler.SendState(viewerID, s.String()); err != nil {
		o.logger.Debug("send state", "viewer_id", viewerID, "error", err)
	}
}

// onConnectionState handles pion state changes. Callbacks from a session
// that has since been replaced are ignored.
func (o *Orchestrator) onConnectionState(ps *PeerSession, s webrtc.PeerConnectionState) {
	o.mu.Lock()
	e, ok := o.viewers[ps.Viewer.ID]
	if !ok || e.session != ps {
		o.mu.Unlock()
		return
	}

	var report State
	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.attempts = 0
		o.setStateLocked(e, StateConnected)
		report = StateConnected
	case webrtc.PeerConnectionStateFailed:
		o.logger.Warn("connection failed", "viewer_id", ps.Viewer.ID, "viewer_number", ps.Viewer.Number)
		if released := o.failLocked(e, nil); released != nil {
			defer closeMedia(released)
		}
		report = StateFailed
	default:
		o.logger.Debug("connection state", "viewer_id", ps.Viewer.ID, "state", s.String())
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.sendState(ps.Viewer.ID, report)
}

func (o *Orchestrator) onControlOpen(ps *PeerSession) {
	o.mu.Lock()
	e, ok := o.viewers[ps.Viewer.ID]
	if !ok || e.session != ps {
		o.mu.Unlock()
		return
	}
	info := control.StreamInfo{
		Source:       o.opts.SourceName,
		ViewerNumber: e.info.Number,
		StartedAt:    o.startedAt.UTC(),
	}
	media := ps.media
	o.mu.Unlock()
	if media == nil {
		return
	}

	frame, err := control.Encode(control.TypeStreamInfo, info)
	if err != nil {
		o.logger.Warn("encode stream info", "error", err)
		return
	}
	if err := media.SendControl(frame); err != nil {
		o.logger.Debug("send stream info", "viewer_id", ps.Viewer.ID, "error", err)
	}
}

func appendMedia(list []MediaSession, m MediaSession) []MediaSession {
	if m == nil {
		return list
	}
	return append(list, m)
}

func closeAll(list []MediaSession) {
	for _, m := range list {
		closeMedia(m)
	}
}

func closeMedia(m MediaSession) {
	if err := m.Close(); err != nil {
		slog.Debug("close media session", "error", err)
	}
}

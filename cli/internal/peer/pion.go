package peer

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpcam/cli/internal/control"
)

// NewPionFactory returns a SessionFactory that builds real peer connections
// carrying tracks and a control data channel.
func NewPionFactory(api *webrtc.API, cfg webrtc.Configuration, tracks []webrtc.TrackLocal, logger *slog.Logger) SessionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(v Viewer, hooks SessionHooks) (MediaSession, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		for _, track := range tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			go drainRTCP(sender)
		}

		ordered := true
		dc, err := pc.CreateDataChannel(control.Label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}

		s := &pionSession{pc: pc, dc: dc}
		dc.OnOpen(func() {
			s.open.Store(true)
			if hooks.OnControlOpen != nil {
				hooks.OnControlOpen()
			}
		})
		dc.OnClose(func() {
			s.open.Store(false)
		})

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || hooks.OnCandidate == nil {
				return
			}
			hooks.OnCandidate(c.ToJSON())
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			logger.Debug("peer connection state", "viewer_id", v.ID, "state", state.String())
			if hooks.OnStateChange != nil {
				hooks.OnStateChange(state)
			}
		})

		return s, nil
	}
}

// drainRTCP reads RTCP for a sender so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

type pionSession struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	open atomic.Bool
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *pionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *pionSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *pionSession) SendControl(data []byte) error {
	if !s.open.Load() {
		return ErrControlNotOpen
	}
	return s.dc.Send(data)
}

func (s *pionSession) Close() error {
	s.open.Store(false)
	return s.pc.Close()
}

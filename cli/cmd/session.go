package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpcam/cli/internal/config"
	"github.com/BioHazard786/Warpcam/cli/internal/peer"
	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
)

var errRelayLost = errors.New("connection to relay lost")

// JoinError reports a join the relay refused.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return e.Message
}

// ConnectionContext is one registered connection to the relay.
type ConnectionContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Config  *config.Config
	UserID  string
	Logger  *slog.Logger
}

func NewConnectionContext(ctx context.Context, cfg *config.Config) (*ConnectionContext, error) {
	client := signaling.NewClient(cfg.ServerURL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	handler := signaling.NewHandler(client)
	go handler.Start()

	return &ConnectionContext{
		Client:  client,
		Handler: handler,
		Config:  cfg,
		Logger:  slog.Default(),
	}, nil
}

func (c *ConnectionContext) Close() {
	if c.Handler != nil {
		c.Handler.Close()
	}
	if c.Client != nil {
		c.Client.Close()
	}
}

// Register announces the user and waits for the assigned id.
func (c *ConnectionContext) Register(ctx context.Context, name, role string) (signaling.RegisteredPayload, error) {
	if err := c.Client.Send(signaling.KindRegister, signaling.RegisterPayload{DisplayName: name, Role: role}); err != nil {
		return signaling.RegisteredPayload{}, err
	}

	select {
	case reg := <-c.Handler.Registered:
		c.UserID = reg.UserID
		c.Logger = c.Logger.With("user_id", reg.UserID)
		return reg, nil
	case e := <-c.Handler.Error:
		return signaling.RegisteredPayload{}, &JoinError{Code: e.Code, Message: e.Error}
	case <-c.Handler.Disconnected:
		return signaling.RegisteredPayload{}, errRelayLost
	case <-ctx.Done():
		return signaling.RegisteredPayload{}, ctx.Err()
	}
}

// Join asks for a slot in roomID and waits for the outcome.
func (c *ConnectionContext) Join(ctx context.Context, roomID string) (signaling.JoinedPayload, error) {
	if err := c.Client.Send(signaling.KindJoin, signaling.JoinPayload{RoomID: roomID}); err != nil {
		return signaling.JoinedPayload{}, err
	}
	return c.awaitJoin(ctx)
}

func (c *ConnectionContext) awaitJoin(ctx context.Context) (signaling.JoinedPayload, error) {
	select {
	case joined := <-c.Handler.Joined:
		return joined, nil
	case full := <-c.Handler.RoomFull:
		return signaling.JoinedPayload{}, &JoinError{Code: "room_full", Message: fmt.Sprintf("room is full (%d/%d viewers)", full.CurrentCount, full.MaxViewers)}
	case taken := <-c.Handler.RoleTaken:
		return signaling.JoinedPayload{}, &JoinError{Code: "role_taken", Message: taken.Message}
	case e := <-c.Handler.Error:
		return signaling.JoinedPayload{}, &JoinError{Code: e.Code, Message: e.Error}
	case <-c.Handler.Disconnected:
		return signaling.JoinedPayload{}, errRelayLost
	case <-ctx.Done():
		return signaling.JoinedPayload{}, ctx.Err()
	}
}

// Leave gives up the room slot but keeps the registration.
func (c *ConnectionContext) Leave() {
	if err := c.Client.Send(signaling.KindLeave, struct{}{}); err != nil {
		c.Logger.Debug("send leave", "error", err)
	}
}

// RequestHeartbeat asks the relay for the room's occupancy.
func (c *ConnectionContext) RequestHeartbeat() error {
	return c.Client.Send(signaling.KindHeartbeatRequest, struct{}{})
}

// sender is the part of the signaling client the adapters need.
type sender interface {
	Send(kind string, payload any) error
}

// sourceSignaler routes orchestrator output to individual viewers.
type sourceSignaler struct {
	client sender
}

func (s sourceSignaler) SendOffer(v peer.Viewer, desc webrtc.SessionDescription) error {
	return s.client.Send(signaling.KindOffer, signaling.OfferPayload{
		SDP:            signaling.FromPion(desc),
		TargetViewerID: v.ID,
	})
}

func (s sourceSignaler) SendCandidate(viewerID string, c webrtc.ICECandidateInit) error {
	return s.client.Send(signaling.KindCandidate, signaling.CandidatePayload{
		Candidate:      c,
		TargetViewerID: viewerID,
	})
}

func (s sourceSignaler) SendState(viewerID, state string) error {
	return s.client.Send(signaling.KindConnectionState, signaling.ConnectionStatePayload{
		State:    state,
		ViewerID: viewerID,
	})
}

// viewerSignaler sends the receiver's output to the room's source.
type viewerSignaler struct {
	client sender
}

func (s viewerSignaler) SendAnswer(desc webrtc.SessionDescription) error {
	return s.client.Send(signaling.KindAnswer, signaling.AnswerPayload{SDP: signaling.FromPion(desc)})
}

func (s viewerSignaler) SendCandidate(c webrtc.ICECandidateInit) error {
	return s.client.Send(signaling.KindCandidate, signaling.CandidatePayload{Candidate: c})
}

func (s viewerSignaler) SendState(state string) error {
	return s.client.Send(signaling.KindConnectionState, signaling.ConnectionStatePayload{State: state})
}

// ABOUTME: Matrix implementation of protocol.Client on top of mautrix
// ABOUTME: Keeps the session alive with periodic whoami calls and maps revoked tokens to logout

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/courier-gateway/internal/protocol"
)

// Client is a Matrix-backed protocol client for one session.
type Client struct {
	api        *mautrix.Client
	homeserver string
	sessionID  string
	label      string
	timeout    time.Duration
	keepAlive  time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sink       protocol.EventSink
	terminated bool
	paired     bool
	dmRooms    map[id.UserID]id.RoomID
}

func newClient(f *Factory, api *mautrix.Client, homeserver, sessionID string, sink protocol.EventSink) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		api:        api,
		homeserver: homeserver,
		sessionID:  sessionID,
		label:      f.cfg.DeviceLabel,
		timeout:    f.cfg.ConnectTimeout,
		keepAlive:  f.cfg.KeepAliveInterval,
		logger:     f.logger.With("session_id", sessionID),
		ctx:        ctx,
		cancel:     cancel,
		sink:       sink,
		dmRooms:    make(map[id.UserID]id.RoomID),
	}
}

func (c *Client) emit(ev protocol.Event) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	sink := c.sink
	c.mu.Unlock()
	sink(ev)
}

// resume validates the stored access token and starts the keep-alive loop.
func (c *Client) resume() {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	_, err := c.api.Whoami(ctx)
	cancel()
	if err != nil {
		c.disconnected(err)
		return
	}

	c.emit(protocol.Connected())
	c.keepAliveLoop()
}

// CompletePairing exchanges an SSO login token for an access token.
func (c *Client) CompletePairing(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return errors.New("client terminated")
	}
	if c.paired {
		c.mu.Unlock()
		return errors.New("session already paired")
	}
	c.mu.Unlock()

	resp, err := c.api.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: c.label,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	data, err := material{
		Homeserver:  c.homeserver,
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}.encode()
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	c.mu.Lock()
	c.paired = true
	c.mu.Unlock()

	c.logger.Info("matrix session paired", "user_id", resp.UserID, "device_id", resp.DeviceID)
	c.emit(protocol.CredentialsChanged(data))
	c.emit(protocol.Connected())
	go c.keepAliveLoop()
	return nil
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
			_, err := c.api.Whoami(ctx)
			cancel()
			if err != nil {
				c.disconnected(err)
				return
			}
		}
	}
}

func (c *Client) disconnected(err error) {
	if c.ctx.Err() != nil {
		return
	}
	if errors.Is(err, mautrix.MUnknownToken) {
		c.logger.Warn("matrix access token revoked", "error", err)
		c.emit(protocol.Disconnected(protocol.ReasonLoggedOut, true))
		return
	}
	c.logger.Warn("matrix connection lost", "error", err)
	c.emit(protocol.Disconnected(err.Error(), false))
}

// CheckExists implements protocol.Client. Users are looked up by profile;
// rooms must be joined.
func (c *Client) CheckExists(ctx context.Context, destination string) (bool, error) {
	switch {
	case strings.HasPrefix(destination, "@"):
		_, err := c.api.GetProfile(ctx, id.UserID(destination))
		if errors.Is(err, mautrix.MNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("looking up profile: %w", err)
		}
		return true, nil

	case strings.HasPrefix(destination, "!"):
		resp, err := c.api.JoinedRooms(ctx)
		if err != nil {
			return false, fmt.Errorf("listing joined rooms: %w", err)
		}
		for _, room := range resp.JoinedRooms {
			if room == id.RoomID(destination) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, nil
	}
}

// Send implements protocol.Client.
func (c *Client) Send(ctx context.Context, destination string, msg protocol.Message) (protocol.Receipt, error) {
	room, err := c.roomFor(ctx, destination)
	if err != nil {
		return protocol.Receipt{}, err
	}

	var resp *mautrix.RespSendEvent
	if msg.Document != nil {
		resp, err = c.sendDocument(ctx, room, msg.Document)
	} else {
		resp, err = c.api.SendText(ctx, room, msg.Text)
	}
	if err != nil {
		return protocol.Receipt{}, err
	}

	return protocol.Receipt{
		MessageID:   string(resp.EventID),
		Destination: destination,
		Timestamp:   time.Now(),
	}, nil
}

func (c *Client) sendDocument(ctx context.Context, room id.RoomID, doc *protocol.Document) (*mautrix.RespSendEvent, error) {
	upload, err := c.api.UploadLink(ctx, doc.URL)
	if err != nil {
		return nil, fmt.Errorf("uploading document: %w", err)
	}

	body := doc.Caption
	if body == "" {
		body = doc.FileName
	}
	content := &event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     body,
		FileName: doc.FileName,
		URL:      upload.ContentURI.CUString(),
		Info:     &event.FileInfo{MimeType: doc.MimeType},
	}
	return c.api.SendMessageEvent(ctx, room, event.EventMessage, content)
}

// roomFor resolves a destination to a room, opening a direct chat with a
// user on first contact.
func (c *Client) roomFor(ctx context.Context, destination string) (id.RoomID, error) {
	if strings.HasPrefix(destination, "!") {
		return id.RoomID(destination), nil
	}
	if !strings.HasPrefix(destination, "@") {
		return "", fmt.Errorf("unsupported matrix destination %q", destination)
	}

	user := id.UserID(destination)
	c.mu.Lock()
	room, ok := c.dmRooms[user]
	c.mu.Unlock()
	if ok {
		return room, nil
	}

	resp, err := c.api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{user},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("opening direct chat: %w", err)
	}

	c.mu.Lock()
	c.dmRooms[user] = resp.RoomID
	c.mu.Unlock()
	return resp.RoomID, nil
}

// Terminate stops the keep-alive loop. Stored credentials stay valid.
func (c *Client) Terminate() error {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chess-arena/internal/auth"
	"chess-arena/internal/bus"
	"chess-arena/internal/clock"
	"chess-arena/internal/errs"
	"chess-arena/internal/game"
	"chess-arena/internal/matchmaking"
	"chess-arena/internal/models"
	"chess-arena/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// dispatchTimeout bounds the work of one client message.
const dispatchTimeout = 10 * time.Second

// ProfileSource supplies the connecting player's profile so the
// presence snapshot carries a real rating.
type ProfileSource interface {
	GetOrCreate(ctx context.Context, playerID, displayName string) (*models.Profile, error)
}

// SocketHandler owns the websocket surface: handshake auth, inbound
// message dispatch, local room fan-out, and replay of remote bus
// events into local rooms.
type SocketHandler struct {
	nodeID   string
	hub      *Hub
	tokens   *auth.TokenService
	core     *game.Core
	mm       *matchmaking.Matchmaker
	clocks   *clock.Manager
	live     *store.LiveStore
	profiles ProfileSource
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewSocketHandler(nodeID string, tokens *auth.TokenService, core *game.Core, mm *matchmaking.Matchmaker, clocks *clock.Manager, live *store.LiveStore, profiles ProfileSource, b *bus.Bus, logger *zap.Logger) *SocketHandler {
	s := &SocketHandler{
		nodeID:   nodeID,
		hub:      NewHub(logger),
		tokens:   tokens,
		core:     core,
		mm:       mm,
		clocks:   clocks,
		live:     live,
		profiles: profiles,
		bus:      b,
		logger:   logger,
	}
	clocks.OnTimeout(s.onClockExpired)
	clocks.OnTick(s.onClockTick)
	return s
}

func (s *SocketHandler) Hub() *Hub { return s.hub }

// HandleWS upgrades an authenticated connection. The bearer token
// rides in the handshake: Authorization header or token query param.
func (s *SocketHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      s.hub,
		conn:     conn,
		playerID: claims.PlayerID,
		connID:   uuid.NewString(),
		send:     make(chan []byte, sendBuffer),
		rooms:    make(map[string]struct{}),
	}
	s.hub.register(client)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	rating := 0
	if profile, err := s.profiles.GetOrCreate(ctx, claims.PlayerID, claims.DisplayName); err != nil {
		s.logger.Warn("profile lookup failed", zap.String("playerId", claims.PlayerID), zap.Error(err))
	} else {
		rating = profile.Ratings.For(models.VariantRapid)
	}
	if err := s.live.SetPresence(ctx, models.Presence{
		PlayerID:     client.playerID,
		ConnectionID: client.connID,
		Rating:       rating,
		Connected:    true,
	}); err != nil {
		s.logger.Warn("presence write failed", zap.String("playerId", client.playerID), zap.Error(err))
	}
	s.publish(ctx, bus.EventPlayerConnected, "", bus.PlayerPresencePayload{
		PlayerID: client.playerID, ConnectionID: client.connID,
	})

	go client.writePump()
	go s.readPump(client)
}

func (s *SocketHandler) readPump(c *Client) {
	defer func() {
		s.onDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", zap.String("playerId", c.playerID), zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(fail("error", "malformed message"))
			continue
		}
		// one logical task per inbound message
		go s.dispatch(c, msg)
	}
}

func (s *SocketHandler) dispatch(c *Client, msg ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in message handler",
				zap.String("type", msg.Type), zap.Any("panic", r))
			c.enqueue(fail(msg.Type, "internal error"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch msg.Type {
	case MsgSearchMatch:
		s.handleSearch(ctx, c, msg)
	case MsgCancelSearch:
		if err := s.mm.Cancel(ctx, c.playerID); err != nil {
			c.enqueue(s.failure(msg.Type, err))
			return
		}
		c.enqueue(ok(msg.Type, nil))
	case MsgGetSearchStatus:
		s.handleSearchStatus(ctx, c)
	case MsgStartGame, MsgRejoin:
		s.handleJoin(ctx, c, msg)
	case MsgMove:
		s.handleMove(ctx, c, msg)
	case MsgResign:
		s.handleResign(ctx, c, msg)
	case MsgOfferDraw, MsgAcceptDraw, MsgDeclineDraw:
		s.handleDraw(ctx, c, msg)
	case MsgOfferRematch, MsgAcceptRematch, MsgDeclineRematch:
		s.handleRematch(ctx, c, msg)
	case MsgTimeUp:
		s.handleTimeUp(ctx, c, msg)
	case MsgRequestTimeSync:
		s.handleTimeSync(ctx, c, msg)
	default:
		c.enqueue(fail(msg.Type, "unknown message type"))
	}
}

type searchStatusView struct {
	IsSearching    bool  `json:"isSearching"`
	CurrentRange   int   `json:"currentRange"`
	SearchDuration int64 `json:"searchDuration"`
}

type matchFoundView struct {
	GameID         string               `json:"gameId"`
	Opponent       string               `json:"opponent"`
	OpponentRating int                  `json:"opponentRating"`
	RatingChanges  models.RatingChanges `json:"ratingChanges,omitempty"`
	SearchDuration int64                `json:"searchDuration"`
	FinalRange     int                  `json:"finalRange"`
}

func (s *SocketHandler) handleSearch(ctx context.Context, c *Client, msg ClientMessage) {
	gt := msg.GameType
	if gt == "" && msg.TimeControl != nil {
		gt = models.MakeGameType(msg.Variant, *msg.TimeControl)
	}
	if _, err := s.mm.StartSearch(ctx, c.playerID, c.connID, gt); err != nil {
		c.enqueue(s.failure(MsgSearchMatch, err))
		return
	}
	res, err := s.mm.Tick(ctx, c.playerID)
	if err != nil {
		c.enqueue(s.failure(MsgSearchMatch, err))
		return
	}
	if !res.Found {
		c.enqueue(ok(PushSearchStatus, searchStatusView{
			IsSearching:    true,
			CurrentRange:   res.CurrentRange,
			SearchDuration: res.SearchDuration,
		}))
		return
	}

	c.enqueue(ok(PushMatchFound, matchFoundView{
		GameID:         res.GameID,
		Opponent:       res.OpponentID,
		OpponentRating: res.OpponentRating,
		RatingChanges:  res.Game.RatingChanges,
		SearchDuration: res.SearchDuration,
		FinalRange:     res.CurrentRange,
	}))
	// the opponent may sit on this node; remote opponents hear the
	// match_found bus event instead
	var ownRating int
	if p, isPlayer := res.Game.PlayerByID(c.playerID); isPlayer {
		ownRating = p.Rating
	}
	s.hub.SendToPlayer(res.OpponentID, ok(PushMatchFound, matchFoundView{
		GameID:         res.GameID,
		Opponent:       c.playerID,
		OpponentRating: ownRating,
		RatingChanges:  res.Game.RatingChanges,
		SearchDuration: res.SearchDuration,
		FinalRange:     res.CurrentRange,
	}))
}

func (s *SocketHandler) handleSearchStatus(ctx context.Context, c *Client) {
	res, err := s.mm.Status(ctx, c.playerID)
	if errors.Is(err, errs.ErrNotFound) {
		c.enqueue(ok(PushSearchStatus, searchStatusView{IsSearching: false}))
		return
	}
	if err != nil {
		c.enqueue(s.failure(MsgGetSearchStatus, err))
		return
	}
	c.enqueue(ok(PushSearchStatus, searchStatusView{
		IsSearching:    true,
		CurrentRange:   res.CurrentRange,
		SearchDuration: res.SearchDuration,
	}))
}

func (s *SocketHandler) handleJoin(ctx context.Context, c *Client, msg ClientMessage) {
	g, err := s.core.Game(ctx, msg.GameID)
	if err != nil {
		c.enqueue(s.failure(msg.Type, err))
		return
	}
	if _, isPlayer := g.PlayerByID(c.playerID); !isPlayer {
		c.enqueue(fail(msg.Type, "not a player of this game"))
		return
	}

	s.hub.Join(c, g.GameID)
	if !g.GameOver {
		s.core.ResumeClocks(g.GameID)
	}
	c.enqueue(ok(msg.Type, viewOf(g)))

	if msg.Type == MsgRejoin {
		s.hub.RoomBroadcast(g.GameID, ok(PushOpponentReconnecting, map[string]string{
			"gameId": g.GameID, "playerId": c.playerID,
		}), c.playerID)
		s.publish(ctx, bus.EventPlayerReconnected, g.GameID, bus.PlayerPresencePayload{
			PlayerID: c.playerID, ConnectionID: c.connID, GameID: g.GameID,
		})
	}
}

type moveView struct {
	GameID     string             `json:"gameId"`
	PlayerID   string             `json:"playerId"`
	SAN        string             `json:"san"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Piece      string             `json:"piece,omitempty"`
	Check      bool               `json:"check,omitempty"`
	FEN        string             `json:"fen"`
	PGN        string             `json:"pgn"`
	Turn       models.PlayerColor `json:"turn"`
	TimeLeftMs models.TimeLeft    `json:"timeLeftMs"`
	MoveNumber int                `json:"moveNumber"`
}

func (s *SocketHandler) handleMove(ctx context.Context, c *Client, msg ClientMessage) {
	out, err := s.core.ApplyMove(ctx, msg.GameID, c.playerID, msg.Move)
	if err != nil {
		c.enqueue(s.failure(MsgMove, err))
		return
	}

	view := moveView{
		GameID:     out.Game.GameID,
		PlayerID:   c.playerID,
		SAN:        out.Move.SAN,
		From:       out.Move.From,
		To:         out.Move.To,
		Piece:      out.Move.Piece,
		Check:      out.Check,
		FEN:        out.Game.FEN,
		PGN:        out.Game.PGN,
		Turn:       out.Game.Turn,
		TimeLeftMs: out.Game.TimeLeftMs,
		MoveNumber: len(out.Game.Moves),
	}
	c.enqueue(ok(MsgMove, view))
	s.hub.RoomBroadcast(msg.GameID, ok(PushMove, view), c.playerID)

	if out.GameOver {
		s.hub.RoomBroadcast(msg.GameID, ok(PushGameOver, viewOf(out.Game)), "")
	}
}

func (s *SocketHandler) handleResign(ctx context.Context, c *Client, msg ClientMessage) {
	g, err := s.core.Resign(ctx, msg.GameID, c.playerID)
	if err != nil {
		c.enqueue(s.failure(MsgResign, err))
		return
	}
	c.enqueue(ok(MsgResign, viewOf(g)))
	s.hub.RoomBroadcast(msg.GameID, ok(PushGameOver, viewOf(g)), "")
}

func (s *SocketHandler) handleDraw(ctx context.Context, c *Client, msg ClientMessage) {
	var (
		g   *models.LiveGame
		err error
	)
	switch msg.Type {
	case MsgOfferDraw:
		g, err = s.core.OfferDraw(ctx, msg.GameID, c.playerID)
	case MsgAcceptDraw:
		g, err = s.core.AcceptDraw(ctx, msg.GameID, c.playerID)
	default:
		g, err = s.core.DeclineDraw(ctx, msg.GameID, c.playerID)
	}
	if err != nil {
		c.enqueue(s.failure(msg.Type, err))
		return
	}
	c.enqueue(ok(msg.Type, viewOf(g)))

	if g.GameOver {
		s.hub.RoomBroadcast(msg.GameID, ok(PushGameOver, viewOf(g)), "")
		return
	}
	push := PushDrawOffered
	if msg.Type == MsgDeclineDraw {
		push = PushDrawDeclined
	}
	s.hub.RoomBroadcast(msg.GameID, ok(push, viewOf(g)), c.playerID)
}

func (s *SocketHandler) handleRematch(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Type {
	case MsgOfferRematch:
		g, err := s.core.OfferRematch(ctx, msg.GameID, c.playerID)
		if err != nil {
			c.enqueue(s.failure(msg.Type, err))
			return
		}
		c.enqueue(ok(msg.Type, viewOf(g)))
		push := PushRematchOffered
		if g.Rematch.NextGameID != "" {
			// the offer crossed a pending one and started the game
			push = PushRematchAccepted
		}
		s.hub.RoomBroadcast(msg.GameID, ok(push, viewOf(g)), c.playerID)

	case MsgAcceptRematch:
		next, err := s.core.AcceptRematch(ctx, msg.GameID, c.playerID)
		if err != nil {
			c.enqueue(s.failure(msg.Type, err))
			return
		}
		c.enqueue(ok(msg.Type, viewOf(next)))
		s.hub.RoomBroadcast(msg.GameID, ok(PushRematchAccepted, viewOf(next)), c.playerID)

	default:
		if err := s.core.DeclineRematch(ctx, msg.GameID, c.playerID); err != nil {
			c.enqueue(s.failure(msg.Type, err))
			return
		}
		c.enqueue(ok(msg.Type, nil))
		s.hub.RoomBroadcast(msg.GameID, ok(PushRematchDeclined, map[string]string{
			"gameId": msg.GameID, "playerId": c.playerID,
		}), c.playerID)
	}
}

// handleTimeUp processes a client's claim that a flag fell. The server
// clock decides; a premature claim earns the reporter a corrective
// time sync instead.
func (s *SocketHandler) handleTimeUp(ctx context.Context, c *Client, msg ClientMessage) {
	g, err := s.core.TimeoutForfeit(ctx, msg.GameID, msg.PlayerColor)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			s.sendTimeSync(ctx, c, msg.GameID)
			return
		}
		c.enqueue(s.failure(MsgTimeUp, err))
		return
	}
	s.hub.RoomBroadcast(msg.GameID, ok(PushGameOver, viewOf(g)), "")
}

func (s *SocketHandler) handleTimeSync(ctx context.Context, c *Client, msg ClientMessage) {
	s.sendTimeSync(ctx, c, msg.GameID)
}

func (s *SocketHandler) sendTimeSync(ctx context.Context, c *Client, gameID string) {
	tl, turn, err := s.clocks.Remaining(gameID)
	if err != nil {
		// the game's clocks live on another node; derive from the store
		g, gerr := s.core.Game(ctx, gameID)
		if gerr != nil {
			c.enqueue(s.failure(MsgRequestTimeSync, gerr))
			return
		}
		tl = g.TimeLeftMs
		turn = g.Turn
		if !g.GameOver {
			elapsed := time.Now().UnixMilli() - g.LastMoveAt
			rem := tl.For(turn) - elapsed
			if rem < 0 {
				rem = 0
			}
			tl.Set(turn, rem)
		}
	}
	c.enqueue(ok(PushTimeUpdate, TimeSync{
		GameID:      gameID,
		WhiteMs:     tl.White,
		BlackMs:     tl.Black,
		CurrentTurn: turn,
		Now:         time.Now().UnixMilli(),
	}))
}

// onDisconnect tears down the searcher state and freezes clocks of
// games whose seats are now both empty. The games themselves continue;
// a reconnect rejoins the room.
func (s *SocketHandler) onDisconnect(c *Client) {
	rooms := s.hub.unregister(c)

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := s.mm.Cancel(ctx, c.playerID); err != nil && !errs.Expected(err) {
		s.logger.Warn("cancel on disconnect failed", zap.String("playerId", c.playerID), zap.Error(err))
	}

	for _, gameID := range rooms {
		s.hub.RoomBroadcast(gameID, ok(PushOpponentDisconnected, map[string]string{
			"gameId": gameID, "playerId": c.playerID,
		}), c.playerID)
		s.publish(ctx, bus.EventPlayerDisconnected, gameID, bus.PlayerPresencePayload{
			PlayerID: c.playerID, ConnectionID: c.connID, GameID: gameID,
		})

		g, err := s.core.Game(ctx, gameID)
		if err != nil || g.GameOver {
			continue
		}
		opp, hasOpp := g.Opponent(c.playerID)
		if hasOpp && !s.opponentReachable(ctx, opp.PlayerID) {
			s.core.PauseClocks(gameID)
		}
	}
}

// opponentReachable checks whether the other seat still has a socket
// anywhere in the cluster.
func (s *SocketHandler) opponentReachable(ctx context.Context, playerID string) bool {
	if s.hub.Connected(playerID) {
		return true
	}
	p, err := s.live.GetPresence(ctx, playerID)
	return err == nil && p.Connected
}

// onClockExpired is the scanner callback: a flag fell on a local game.
func (s *SocketHandler) onClockExpired(gameID string, color models.PlayerColor) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	g, err := s.core.TimeoutForfeit(ctx, gameID, color)
	if err != nil {
		// a concurrent finalization already ended the game
		if !errs.Expected(err) {
			s.logger.Error("timeout forfeit failed", zap.String("gameId", gameID), zap.Error(err))
		}
		return
	}
	s.hub.RoomBroadcast(gameID, ok(PushGameOver, viewOf(g)), "")
}

// onClockTick pushes the authoritative clocks into the local room once
// per scan, and escalates near-flag states onto the bus so remote
// subscribers and the pipeline see them.
func (s *SocketHandler) onClockTick(gameID string, whiteMs, blackMs int64, turn models.PlayerColor) {
	if !s.hub.HasRoom(gameID) {
		return
	}
	now := time.Now().UnixMilli()
	s.hub.RoomBroadcast(gameID, ok(PushTimeUpdate, TimeSync{
		GameID:      gameID,
		WhiteMs:     whiteMs,
		BlackMs:     blackMs,
		CurrentTurn: turn,
		Now:         now,
	}), "")

	minClock := whiteMs
	if blackMs < minClock {
		minClock = blackMs
	}
	if minClock < 60*1000 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.publish(ctx, bus.EventTimeUpdate, gameID, bus.TimeUpdatePayload{
			GameID: gameID, WhiteMs: whiteMs, BlackMs: blackMs, Turn: turn, Now: now,
		})
	}
}

func (s *SocketHandler) publish(ctx context.Context, t bus.EventType, gameID string, payload any) {
	env, err := bus.NewEnvelope(s.nodeID, t, gameID, payload)
	if err != nil {
		s.logger.Error("encode event", zap.String("eventType", string(t)), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Debug("publish degraded", zap.String("eventType", string(t)), zap.Error(err))
	}
}

// SubscribeBus wires the handler to the cluster event bus so moves,
// finalizations, and match results landing on other nodes reach
// sockets connected here. Own-origin envelopes never arrive; the
// local fan-out already happened inline.
func (s *SocketHandler) SubscribeBus() error {
	for _, ch := range []bus.Channel{
		bus.ChannelMoves, bus.ChannelStateUpdates, bus.ChannelEvents,
		bus.ChannelTime, bus.ChannelMatchmaking, bus.ChannelPlayers,
	} {
		if err := s.bus.Subscribe(ch, s.onRemoteEvent); err != nil {
			return err
		}
	}
	return nil
}

func (s *SocketHandler) onRemoteEvent(env bus.Envelope) {
	switch env.EventType {
	case bus.EventMoveMade:
		var p bus.MoveMadePayload
		if env.Decode(&p) != nil {
			return
		}
		s.hub.RoomBroadcast(p.GameID, ok(PushMove, moveView{
			GameID:     p.GameID,
			PlayerID:   p.PlayerID,
			SAN:        p.SAN,
			From:       p.From,
			To:         p.To,
			Check:      p.Check,
			FEN:        p.FEN,
			PGN:        p.PGN,
			Turn:       p.Turn,
			TimeLeftMs: p.TimeLeftMs,
			MoveNumber: p.MoveNumber,
		}), p.PlayerID)

	case bus.EventGameEnded:
		var p bus.GameEndedPayload
		if env.Decode(&p) != nil {
			return
		}
		s.clocks.Remove(p.GameID)
		if s.hub.HasRoom(p.GameID) {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			g, err := s.core.Game(ctx, p.GameID)
			if err != nil {
				return
			}
			s.hub.RoomBroadcast(p.GameID, ok(PushGameOver, viewOf(g)), "")
		}

	case bus.EventMatchFound:
		var p bus.MatchFoundPayload
		if env.Decode(&p) != nil {
			return
		}
		s.hub.SendToPlayer(p.PlayerID, ok(PushMatchFound, matchFoundView{
			GameID:         p.GameID,
			Opponent:       p.OpponentID,
			OpponentRating: p.OpponentRating,
			RatingChanges:  p.RatingChanges,
			SearchDuration: p.SearchDuration,
			FinalRange:     p.FinalRange,
		}))

	case bus.EventDrawOffered, bus.EventDrawDeclined:
		var p bus.DrawEventPayload
		if env.Decode(&p) != nil || !s.hub.HasRoom(p.GameID) {
			return
		}
		push := PushDrawOffered
		if env.EventType == bus.EventDrawDeclined {
			push = PushDrawDeclined
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		g, err := s.core.Game(ctx, p.GameID)
		if err != nil {
			return
		}
		s.hub.RoomBroadcast(p.GameID, ok(push, viewOf(g)), p.PlayerID)

	case bus.EventRematchOffered, bus.EventRematchAccepted, bus.EventRematchDeclined:
		var p bus.RematchEventPayload
		if env.Decode(&p) != nil || !s.hub.HasRoom(p.GameID) {
			return
		}
		switch env.EventType {
		case bus.EventRematchOffered:
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			g, err := s.core.Game(ctx, p.GameID)
			if err != nil {
				return
			}
			s.hub.RoomBroadcast(p.GameID, ok(PushRematchOffered, viewOf(g)), p.PlayerID)
		case bus.EventRematchAccepted:
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			next, err := s.core.Game(ctx, p.NextGameID)
			if err != nil {
				return
			}
			s.hub.RoomBroadcast(p.GameID, ok(PushRematchAccepted, viewOf(next)), p.PlayerID)
		default:
			s.hub.RoomBroadcast(p.GameID, ok(PushRematchDeclined, map[string]string{
				"gameId": p.GameID, "playerId": p.PlayerID,
			}), p.PlayerID)
		}

	case bus.EventTimeUpdate:
		var p bus.TimeUpdatePayload
		if env.Decode(&p) != nil || !s.hub.HasRoom(p.GameID) {
			return
		}
		s.hub.RoomBroadcast(p.GameID, ok(PushTimeUpdate, TimeSync{
			GameID:      p.GameID,
			WhiteMs:     p.WhiteMs,
			BlackMs:     p.BlackMs,
			CurrentTurn: p.Turn,
			Now:         p.Now,
		}), "")

	case bus.EventPlayerDisconnected:
		var p bus.PlayerPresencePayload
		if env.Decode(&p) != nil || p.GameID == "" {
			return
		}
		s.hub.RoomBroadcast(p.GameID, ok(PushOpponentDisconnected, map[string]string{
			"gameId": p.GameID, "playerId": p.PlayerID,
		}), p.PlayerID)

	case bus.EventPlayerReconnected:
		var p bus.PlayerPresencePayload
		if env.Decode(&p) != nil || p.GameID == "" {
			return
		}
		s.hub.RoomBroadcast(p.GameID, ok(PushOpponentReconnecting, map[string]string{
			"gameId": p.GameID, "playerId": p.PlayerID,
		}), p.PlayerID)
	}
}

// failure maps an error to the client-visible envelope. Expected
// contract errors carry their message; everything else is opaque.
func (s *SocketHandler) failure(msgType string, err error) []byte {
	if errs.Expected(err) || errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, errs.ErrUnauthenticated) {
		return fail(msgType, err.Error())
	}
	s.logger.Error("command failed", zap.String("type", msgType), zap.Error(err))
	return fail(msgType, "internal error")
}

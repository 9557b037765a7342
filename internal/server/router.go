package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/decentralchat/engine/internal/auth"
	"github.com/decentralchat/engine/internal/contacts"
	"github.com/decentralchat/engine/internal/identity"
	"github.com/decentralchat/engine/internal/invites"
	"github.com/decentralchat/engine/internal/messages"
	"github.com/decentralchat/engine/internal/rooms"
	"github.com/decentralchat/engine/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const walletContextKey = "decentchat_wallet_address"

var (
	errMissingChallengeVerifier = errors.New("challenge verifier dependency required")
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingSessionManager    = errors.New("session manager dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// ChallengeVerifier runs the wallet login handshake.
type ChallengeVerifier interface {
	Issue(address identity.Address) (string, error)
	Verify(ctx context.Context, address identity.Address, challenge, signature string) error
}

// SessionTokenManager issues and validates session JWTs.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, address identity.Address, nickname string) (string, int64, error)
	ValidateToken(token string) (auth.WalletClaims, error)
}

type Dependencies struct {
	Challenges ChallengeVerifier
	Tokens     SessionTokenManager
	Session    *session.Manager
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Challenges == nil {
		return nil, errMissingChallengeVerifier
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Session == nil {
		return nil, errMissingSessionManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		challenges: deps.Challenges,
		tokens:     deps.Tokens,
		session:    deps.Session,
		logger:     logger,
	}

	router.POST("/auth/challenge", handler.handleChallenge)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rooms", handler.handleRoomList)
	protected.POST("/rooms", handler.handleRoomCreate)
	protected.POST("/rooms/:roomID/join", handler.handleRoomJoin)
	protected.POST("/rooms/:roomID/leave", handler.handleRoomLeave)
	protected.POST("/rooms/:roomID/invites", handler.handleInviteGenerate)
	protected.POST("/rooms/:roomID/kick", handler.handleKick)
	protected.POST("/rooms/:roomID/ban", handler.handleBan)
	protected.POST("/rooms/:roomID/promote", handler.handlePromote)
	protected.POST("/invites/redeem", handler.handleInviteRedeem)
	protected.GET("/messages", handler.handleMessageHistory)
	protected.POST("/messages", handler.handleMessageSend)
	protected.POST("/direct", handler.handleDirectChat)
	protected.POST("/chat/clear", handler.handleChatClear)
	protected.POST("/presence/toggle", handler.handlePresenceToggle)
	protected.GET("/presence/online", handler.handleOnlineMembers)
	protected.GET("/contacts", handler.handleContacts)
	router.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	challenges ChallengeVerifier
	tokens     SessionTokenManager
	session    *session.Manager
	logger     *zap.Logger
}

type challengeRequestPayload struct {
	Address string `json:"address"`
}

type challengeResponsePayload struct {
	Challenge string `json:"challenge"`
}

func (h *httpHandler) handleChallenge(c *gin.Context) {
	var request challengeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := identity.NewAddress(request.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	challenge, err := h.challenges.Issue(address)
	if err != nil {
		h.logger.Error("challenge issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "challenge_failed"})
		return
	}
	c.JSON(http.StatusOK, challengeResponsePayload{Challenge: challenge})
}

type loginRequestPayload struct {
	Address   string `json:"address"`
	Nickname  string `json:"nickname"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := identity.NewAddress(request.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	if err := h.challenges.Verify(c.Request.Context(), address, request.Challenge, request.Signature); err != nil {
		h.logger.Warn("login challenge rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user := identity.User{Address: address, Nickname: strings.TrimSpace(request.Nickname)}
	if err := h.session.Initialize(c.Request.Context(), user); err != nil {
		if errors.Is(err, session.ErrAlreadyInitialized) {
			if h.session.User().Address != address {
				c.JSON(http.StatusConflict, gin.H{"error": "session_occupied"})
				return
			}
		} else {
			h.logger.Error("session initialization failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
			return
		}
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), address, user.Nickname)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type roomPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Creator     string `json:"creator"`
	IsPrivate   bool   `json:"is_private"`
	MemberCount int    `json:"member_count"`
	MaxMembers  int    `json:"max_members"`
}

func roomToPayload(room rooms.Room) roomPayload {
	return roomPayload{
		ID:          room.ID,
		Name:        room.Name,
		Creator:     room.Creator.String(),
		IsPrivate:   room.IsPrivate,
		MemberCount: room.MemberCount,
		MaxMembers:  room.MaxMembers,
	}
}

func (h *httpHandler) handleRoomList(c *gin.Context) {
	list, err := h.session.RoomList(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	payload := make([]roomPayload, 0, len(list))
	for _, room := range list {
		payload = append(payload, roomToPayload(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": payload})
}

type roomCreateRequestPayload struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

func (h *httpHandler) handleRoomCreate(c *gin.Context) {
	var request roomCreateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID, err := h.session.CreateRoom(c.Request.Context(), request.Name, request.IsPrivate)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room_id": roomID})
}

func (h *httpHandler) handleRoomJoin(c *gin.Context) {
	if err := h.session.JoinRoom(c.Request.Context(), c.Param("roomID")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("roomID")})
}

func (h *httpHandler) handleRoomLeave(c *gin.Context) {
	if err := h.session.LeaveRoom(c.Request.Context(), c.Param("roomID")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("roomID")})
}

func (h *httpHandler) handleInviteGenerate(c *gin.Context) {
	code, err := h.session.GenerateInvite(c.Request.Context(), c.Param("roomID"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": code})
}

type inviteRedeemRequestPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleInviteRedeem(c *gin.Context) {
	var request inviteRedeemRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID, err := h.session.RedeemInvite(c.Request.Context(), strings.TrimSpace(request.Code))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

type moderationRequestPayload struct {
	Address string `json:"address"`
}

func (h *httpHandler) handleKick(c *gin.Context) {
	h.handleModeration(c, h.session.Kick)
}

func (h *httpHandler) handleBan(c *gin.Context) {
	h.handleModeration(c, h.session.Ban)
}

func (h *httpHandler) handlePromote(c *gin.Context) {
	h.handleModeration(c, h.session.Promote)
}

func (h *httpHandler) handleModeration(c *gin.Context, action func(context.Context, string, string) error) {
	var request moderationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := action(c.Request.Context(), c.Param("roomID"), request.Address); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("roomID")})
}

type messageRequestPayload struct {
	Text string `json:"text"`
}

type messagePayload struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Nickname  string `json:"nickname,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ChatType  string `json:"chat_type"`
	Signature string `json:"signature,omitempty"`
}

func messageToPayload(message messages.Message) messagePayload {
	return messagePayload{
		ID:        message.ID,
		Text:      message.Text,
		Sender:    message.Sender,
		Nickname:  message.SenderNickname,
		Timestamp: message.Timestamp,
		ChatType:  string(message.ChatType),
		Signature: message.Signature,
	}
}

func (h *httpHandler) handleMessageSend(c *gin.Context) {
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.session.SendMessage(c.Request.Context(), request.Text)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, messageToPayload(message))
}

func (h *httpHandler) handleMessageHistory(c *gin.Context) {
	history, err := h.session.History(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	payload := make([]messagePayload, 0, len(history))
	for _, message := range history {
		payload = append(payload, messageToPayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

type directChatRequestPayload struct {
	Address string `json:"address"`
}

func (h *httpHandler) handleDirectChat(c *gin.Context) {
	var request directChatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channelID, err := h.session.StartDirectChat(c.Request.Context(), request.Address)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID})
}

func (h *httpHandler) handleChatClear(c *gin.Context) {
	if err := h.session.ClearChat(c.Request.Context()); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *httpHandler) handlePresenceToggle(c *gin.Context) {
	visible, err := h.session.ToggleOnlineStatus(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"visible": visible})
}

type presencePayload struct {
	Address  string `json:"address"`
	Nickname string `json:"nickname,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

func (h *httpHandler) handleOnlineMembers(c *gin.Context) {
	records := h.session.OnlineMembers()
	payload := make([]presencePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, presencePayload{
			Address:  record.Address.String(),
			Nickname: record.Nickname,
			LastSeen: record.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

type contactPayload struct {
	Address       string `json:"address"`
	Nickname      string `json:"nickname,omitempty"`
	AddedAt       int64  `json:"added_at"`
	LastMessageAt int64  `json:"last_message_at"`
}

func (h *httpHandler) handleContacts(c *gin.Context) {
	list := h.session.Contacts()
	payload := make([]contactPayload, 0, len(list))
	for _, contact := range list {
		payload = append(payload, contactPayload{
			Address:       contact.Address.String(),
			Nickname:      contact.Nickname,
			AddedAt:       contact.AddedAt,
			LastMessageAt: contact.LastMessageAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"contacts": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(walletContextKey, claims.Subject)
	c.Next()
}

// renderError maps domain errors onto HTTP statuses; anything unmapped is a
// logged 500.
func (h *httpHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotInitialized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_not_initialized"})
	case errors.Is(err, rooms.ErrPermissionDenied), errors.Is(err, rooms.ErrBanned):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, rooms.ErrRoomNotFound), errors.Is(err, rooms.ErrMemberNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, rooms.ErrRoomExists), errors.Is(err, rooms.ErrRoomFull),
		errors.Is(err, invites.ErrInviteAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, invites.ErrInviteExpired):
		c.JSON(http.StatusGone, gin.H{"error": "invite_expired"})
	case errors.Is(err, messages.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	case errors.Is(err, rooms.ErrInvalidRoomName), errors.Is(err, rooms.ErrHomeRoom),
		errors.Is(err, messages.ErrEmptyMessage), errors.Is(err, messages.ErrMessageTooLong),
		errors.Is(err, identity.ErrInvalidAddress), errors.Is(err, contacts.ErrSelfChat),
		errors.Is(err, invites.ErrInviteInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

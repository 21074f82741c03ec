package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/ledger"
	"github.com/scenefuse/backend/internal/pipeline"
	"github.com/scenefuse/backend/internal/webhook"
	"go.uber.org/zap"
)

const (
	signatureHeader    = "Creem-Signature"
	maxWebhookBytes    = 1 << 20
	maxUploadBytes     = 10 << 20
	statusSuccess      = "success"
	statusInsufficient = "insufficient_funds"
	statusNoImage      = "no_image"
)

type httpHandler struct {
	logger   *zap.Logger
	cfg      Config
	services Services
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	_, err := handler.services.Ledger.Grant(
		ctx.Request.Context(),
		claims.GetUserID(),
		ledger.Credits(handler.cfg.SignupCredits),
		fmt.Sprintf("signup:%s", claims.GetUserID()),
		marshalMetadata(map[string]string{"action": "signup"}),
	)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		handler.logger.Error("signup grant failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "grant failed"))
		return
	}
	handler.respondWithWallet(ctx, claims.GetUserID())
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.respondWithWallet(ctx, claims.GetUserID())
}

func (handler *httpHandler) handleListPersonas(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	personas, err := handler.services.Catalog.List(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		handler.logger.Error("persona list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("catalog_error", "persona list unavailable"))
		return
	}
	payload := make([]personaPayload, 0, len(personas))
	for _, persona := range personas {
		payload = append(payload, mapPersonaPayload(persona))
	}
	ctx.JSON(http.StatusOK, gin.H{"personas": payload})
}

func (handler *httpHandler) handleCreatePersona(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	avatarBytes, avatarMIME, err := readFormFile(ctx, "avatar")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "avatar image is required"))
		return
	}
	persona, err := handler.services.Catalog.Create(ctx.Request.Context(), claims.GetUserID(), catalog.CreateInput{
		Name:        ctx.PostForm("name"),
		Description: ctx.PostForm("description"),
		Prompt:      ctx.PostForm("prompt"),
		Avatar:      avatarBytes,
		AvatarMIME:  avatarMIME,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidPersona) {
			ctx.JSON(http.StatusBadRequest, errorResponse("validation", err.Error()))
			return
		}
		handler.logger.Error("persona create failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("catalog_error", "persona create failed"))
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"persona": mapPersonaPayload(persona)})
}

func (handler *httpHandler) handleGenerate(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	personaID := strings.TrimSpace(ctx.PostForm("persona_id"))
	if personaID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "persona_id is required"))
		return
	}
	persona, err := handler.services.Catalog.Get(ctx.Request.Context(), claims.GetUserID(), personaID)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPersona) {
			ctx.JSON(http.StatusBadRequest, errorResponse("validation", "unknown persona"))
			return
		}
		handler.logger.Error("persona lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("catalog_error", "persona lookup failed"))
		return
	}

	var userImage []byte
	var userImageMIME string
	if imageBytes, imageMIME, fileErr := readFormFile(ctx, "photo"); fileErr == nil {
		userImage = imageBytes
		userImageMIME = imageMIME
	} else if !errors.Is(fileErr, http.ErrMissingFile) && !errors.Is(fileErr, http.ErrNotMultipart) {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "could not read uploaded photo"))
		return
	}

	result, err := handler.services.Orchestrator.Run(ctx.Request.Context(), pipeline.Request{
		UserID:        claims.GetUserID(),
		Persona:       &persona,
		UserImage:     userImage,
		UserImageMIME: userImageMIME,
		CustomText:    ctx.PostForm("custom_prompt"),
	})
	switch {
	case err == nil:
		wallet := handler.fetchWalletOrNil(ctx, claims.GetUserID())
		ctx.JSON(http.StatusOK, gin.H{
			"status":       statusSuccess,
			"image_base64": base64.StdEncoding.EncodeToString(result.Image),
			"mime_type":    result.MIMEType,
			"composite":    result.Composite,
			"wallet":       wallet,
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		wallet := handler.fetchWalletOrNil(ctx, claims.GetUserID())
		ctx.JSON(http.StatusOK, gin.H{
			"status":  statusInsufficient,
			"message": "You don't have enough credits to generate an image.",
			"wallet":  wallet,
		})
	case errors.Is(err, pipeline.ErrEmptyResult):
		wallet := handler.fetchWalletOrNil(ctx, claims.GetUserID())
		ctx.JSON(http.StatusOK, gin.H{
			"status":  statusNoImage,
			"message": "The model couldn't generate an image. Please try a different photo or persona.",
			"wallet":  wallet,
		})
	case errors.Is(err, pipeline.ErrNoSession):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
	case errors.Is(err, pipeline.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", err.Error()))
	case errors.Is(err, pipeline.ErrLedger):
		handler.logger.Error("generation ledger failure", zap.String("user_id", claims.GetUserID()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "credit accounting failed; please contact support"))
	default:
		handler.logger.Error("generation failed", zap.String("user_id", claims.GetUserID()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("upstream_error", fmt.Sprintf("something went wrong and you were not charged: %v", err)))
	}
}

type checkoutRequest struct {
	ProductID string `json:"product_id"`
	Credits   int64  `json:"credits"`
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.ProductID) == "" || request.Credits <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "product_id and a positive credits amount are required"))
		return
	}
	url, err := handler.services.Checkout.CreateSession(
		ctx.Request.Context(),
		claims.GetUserID(),
		claims.GetUserEmail(),
		request.ProductID,
		ledger.Credits(request.Credits),
	)
	if err != nil {
		handler.logger.Error("checkout session failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_error", "failed to create checkout session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": url})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "could not read body"))
		return
	}
	outcome, err := handler.services.Webhook.Process(ctx.Request.Context(), ctx.GetHeader(signatureHeader), body)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true, "applied": outcome.Applied})
	case errors.Is(err, webhook.ErrBadSignature):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, webhook.ErrBadPayload):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	default:
		handler.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_error", "event processing failed"))
	}
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID string) {
	wallet, err := handler.fetchWallet(ctx, userID)
	if err != nil {
		handler.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (handler *httpHandler) fetchWalletOrNil(ctx *gin.Context, userID string) *walletPayload {
	wallet, err := handler.fetchWallet(ctx, userID)
	if err != nil {
		handler.logger.Warn("wallet fetch failed", zap.Error(err))
		return nil
	}
	return wallet
}

func (handler *httpHandler) fetchWallet(ctx *gin.Context, userID string) (*walletPayload, error) {
	requestCtx := ctx.Request.Context()
	balance, err := handler.services.Ledger.Balance(requestCtx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := handler.services.Ledger.Entries(requestCtx, userID, time.Now().UTC().Add(time.Second).Unix(), walletHistoryLimit)
	if err != nil {
		return nil, err
	}
	entryPayloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		entryPayloads = append(entryPayloads, entryPayload{
			EntryID:        entry.EntryID,
			Type:           string(entry.Type),
			Credits:        int64(entry.Credits),
			ReservationID:  entry.ReservationID,
			IdempotencyKey: entry.IdempotencyKey,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return &walletPayload{
		Balance: int64(balance),
		Entries: entryPayloads,
	}, nil
}

func readFormFile(ctx *gin.Context, field string) ([]byte, string, error) {
	fileHeader, err := ctx.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	if fileHeader.Size > maxUploadBytes {
		return nil, "", fmt.Errorf("file %q exceeds upload limit", field)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, "", err
	}
	return data, resolveMIME(fileHeader, data), nil
}

func resolveMIME(fileHeader *multipart.FileHeader, data []byte) string {
	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	if len(data) == 0 {
		return ""
	}
	return http.DetectContentType(data)
}

func marshalMetadata(metadata map[string]string) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type walletPayload struct {
	Balance int64          `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Credits        int64           `json:"credits"`
	ReservationID  string          `json:"reservation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type personaPayload struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	AvatarURL   string `json:"avatar_url"`
}

func mapPersonaPayload(persona catalog.Persona) personaPayload {
	return personaPayload{
		ID:          persona.ID,
		OwnerID:     persona.OwnerID,
		Name:        persona.Name,
		Description: persona.Description,
		Prompt:      persona.Prompt,
		AvatarURL:   persona.AvatarURL,
	}
}

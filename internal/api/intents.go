package api

import (
	"net/http"
	"time"

	"giftcard-service/internal/apperr"
	"giftcard-service/internal/models"
	"giftcard-service/internal/service"
	"giftcard-service/internal/verify"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createIntentRequest struct {
	WalletAddress   string          `json:"walletAddress" binding:"required"`
	WalletKind      string          `json:"walletKind"`
	BuyerRef        string          `json:"buyerRef"`
	Merchant        string          `json:"merchant" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" binding:"required"`
	InventoryUnitID string          `json:"inventoryUnitId"`
}

type createIntentResponse struct {
	IntentID           string          `json:"intentId"`
	Amount             decimal.Decimal `json:"amount"`
	Merchant           string          `json:"merchant"`
	Currency           string          `json:"currency"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	PayableAmountMinor int64           `json:"payableAmountMinor"`
	Status             string          `json:"status"`
	Created            bool            `json:"created"`
}

func (h *Handler) createIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.intents.CreateIntent(c.Request.Context(), service.CreateIntentRequest{
		WalletAddress:   req.WalletAddress,
		WalletKind:      req.WalletKind,
		BuyerRef:        req.BuyerRef,
		Merchant:        req.Merchant,
		Amount:          req.Amount,
		Currency:        req.Currency,
		InventoryUnitID: req.InventoryUnitID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, createIntentResponse{
		IntentID:           res.Intent.ID,
		Amount:             res.Intent.Amount,
		Merchant:           res.Intent.Merchant,
		Currency:           res.Intent.Currency,
		ExpiresAt:          res.Intent.ExpiresAt,
		PayableAmountMinor: res.PayableAmountMinor,
		Status:             res.Intent.Status,
		Created:            res.Created,
	})
}

type submitTransactionRequest struct {
	IntentID      string `json:"intentId" binding:"required"`
	TxHash        string `json:"txHash" binding:"required"`
	WalletAddress string `json:"walletAddress" binding:"required"`
}

func (h *Handler) submitTransaction(c *gin.Context) {
	var req submitTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.intents.SubmitTransaction(c.Request.Context(), req.IntentID, req.TxHash, req.WalletAddress)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    res.Intent.Status,
		"intentId":  res.Intent.ID,
		"paymentId": res.Payment.ID,
		"txHash":    res.Payment.TxHash,
		"duplicate": res.Duplicate,
	})
}

type progressResponse struct {
	*verify.Report
	Verdict      verify.Status `json:"verdict"`
	IntentStatus string        `json:"intentStatus,omitempty"`
}

func (h *Handler) verifyProgress(c *gin.Context) {
	q := service.ProgressQuery{
		TxHash:        c.Query("txHash"),
		IntentID:      c.Query("intentId"),
		WalletAddress: c.Query("walletAddress"),
	}
	if raw := c.Query("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			badRequest(c, "Invalid amount", err)
			return
		}
		q.Amount = &amount
	}

	res, err := h.intents.VerifyProgress(c.Request.Context(), q)
	if err != nil {
		body := errorBody(err)
		if res != nil && res.Report != nil {
			body["report"] = res.Report
		}
		c.JSON(statusFor(apperr.KindOf(err)), body)
		return
	}

	c.JSON(http.StatusOK, progressResponse{
		Report:       res.Report,
		Verdict:      res.Report.Status,
		IntentStatus: res.IntentStatus,
	})
}

type walletSummary struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
}

type paymentSummary struct {
	ID     string          `json:"id"`
	TxHash string          `json:"txHash"`
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
	Status string          `json:"status"`
}

type unitSummary struct {
	ID              string          `json:"id"`
	Merchant        string          `json:"merchant"`
	Name            string          `json:"name,omitempty"`
	Currency        string          `json:"currency"`
	FaceValue       int64           `json:"faceValue"`
	ReferenceAmount decimal.Decimal `json:"referenceAmount"`
}

type intentResponse struct {
	IntentID      string          `json:"intentId"`
	Status        string          `json:"status"`
	Fulfillment   string          `json:"fulfillment,omitempty"`
	Merchant      string          `json:"merchant"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Wallet        *walletSummary  `json:"wallet,omitempty"`
	Payment       *paymentSummary `json:"payment,omitempty"`
	InventoryUnit *unitSummary    `json:"inventoryUnit,omitempty"`
	InProgress    bool            `json:"inProgress,omitempty"`
	Verification  *verify.Report  `json:"verification,omitempty"`
}

func newIntentResponse(intent *models.PaymentIntent) *intentResponse {
	resp := &intentResponse{
		IntentID:    intent.ID,
		Status:      intent.Status,
		Fulfillment: intent.Fulfillment,
		Merchant:    intent.Merchant,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		CreatedAt:   intent.CreatedAt,
		ExpiresAt:   intent.ExpiresAt,
	}
	if intent.FailureReason != nil {
		resp.FailureReason = *intent.FailureReason
	}
	return resp
}

func toUnitSummary(u *service.UnitSummary) *unitSummary {
	if u == nil {
		return nil
	}
	return &unitSummary{
		ID:              u.ID,
		Merchant:        u.Merchant,
		Name:            u.Name,
		Currency:        u.Currency,
		FaceValue:       u.FaceValue,
		ReferenceAmount: u.ReferenceValue,
	}
}

func (h *Handler) getIntent(c *gin.Context) {
	view, err := h.intents.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := newIntentResponse(view.Intent)
	resp.Wallet = &walletSummary{Address: view.Wallet.Address, Kind: view.Wallet.Kind}
	if p := view.Payment; p != nil {
		resp.Payment = &paymentSummary{ID: p.ID, TxHash: p.TxHash, Amount: p.Amount, Token: p.Token, Status: p.Status}
	}
	resp.InventoryUnit = toUnitSummary(view.Unit)
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) pollIntent(c *gin.Context) {
	res, err := h.intents.PollVerification(c.Request.Context(), c.Param("id"))
	if err != nil {
		body := errorBody(err)
		if res != nil {
			body["intent"] = newIntentResponse(res.Intent)
			if res.Report != nil {
				body["verification"] = res.Report
			}
		}
		c.JSON(statusFor(apperr.KindOf(err)), body)
		return
	}

	resp := newIntentResponse(res.Intent)
	resp.InventoryUnit = toUnitSummary(res.Unit)
	resp.InProgress = res.InProgress
	resp.Verification = res.Report
	c.JSON(http.StatusOK, resp)
}

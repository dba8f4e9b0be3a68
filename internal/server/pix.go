package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/presenq/billing/pkg/records"
)

// HandleCreatePixPayment creates a PIX charge, surfacing the QR code fields
// the caller needs to render checkout.
func (s *Server) HandleCreatePixPayment(c *gin.Context) {
	payload, ok := bindObjectBody(c)
	if !ok {
		return
	}

	normalized, ok := normalizePixPayload(payload)
	if !ok {
		AbortWithError(c, newValidationError("body", "invalid_pix_payload", "invalid pix payload"))
		return
	}

	if _, present := records.AsString(normalized["notification_url"]); !present && s.cfg.MercadoPagoNotificationURL != "" {
		normalized["notification_url"] = s.cfg.MercadoPagoNotificationURL
	}

	response, err := s.mpAPI.CreatePixPayment(c.Request.Context(), normalized, requestIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, mapPixResponse(response))
}

func normalizePixPayload(payload records.Record) (records.Record, bool) {
	amount, ok := records.AsNumber(payload["transaction_amount"])
	if !ok {
		return nil, false
	}

	description, ok := records.AsString(payload["description"])
	if !ok || description == "" {
		return nil, false
	}

	payer, ok := resolvePixPayer(payload)
	if !ok {
		return nil, false
	}

	normalized := records.Record{}
	for key, value := range payload {
		normalized[key] = value
	}
	normalized["transaction_amount"] = amount
	normalized["payer"] = payer
	if _, present := normalized["payment_method_id"]; !present {
		normalized["payment_method_id"] = "pix"
	}
	return normalized, true
}

func resolvePixPayer(payload records.Record) (records.Record, bool) {
	if payer, ok := records.IsRecord(payload["payer"]); ok {
		if email, found := records.AsString(payer["email"]); found && email != "" {
			return payer, true
		}
	}

	email, ok := records.AsString(payload["payer_email"])
	if !ok || email == "" {
		return nil, false
	}
	return records.Record{"email": email}, true
}

func mapPixResponse(response records.Record) gin.H {
	var transactionData records.Record
	if nested, found := response.GetNested("point_of_interaction", "transaction_data"); found {
		transactionData, _ = records.IsRecord(nested)
	}

	id, _ := records.AsString(response["id"])
	status, _ := records.AsString(response["status"])
	statusDetail, _ := records.AsString(response["status_detail"])
	var qrCode, qrCodeBase64, ticketURL string
	if transactionData != nil {
		qrCode, _ = records.AsString(transactionData["qr_code"])
		qrCodeBase64, _ = records.AsString(transactionData["qr_code_base64"])
		ticketURL, _ = records.AsString(transactionData["ticket_url"])
	}

	return gin.H{
		"payment_id":     id,
		"status":         status,
		"status_detail":  statusDetail,
		"qr_code":        qrCode,
		"qr_code_base64": qrCodeBase64,
		"ticket_url":     ticketURL,
		"payment":        response,
	}
}

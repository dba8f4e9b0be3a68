package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/presenq/billing/pkg/records"
)

// HandleCreateSubscription forwards a preapproval request to MercadoPago,
// defaulting the notification URL to our webhook endpoint.
func (s *Server) HandleCreateSubscription(c *gin.Context) {
	payload, ok := bindObjectBody(c)
	if !ok {
		return
	}

	if _, present := records.AsString(payload["notification_url"]); !present && s.cfg.MercadoPagoNotificationURL != "" {
		payload["notification_url"] = s.cfg.MercadoPagoNotificationURL
	}

	response, err := s.mpAPI.CreateSubscription(c.Request.Context(), payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, mapSubscriptionResponse(response))
}

func (s *Server) HandleCancelSubscription(c *gin.Context) {
	s.updateSubscriptionStatus(c, "cancelled")
}

func (s *Server) HandlePauseSubscription(c *gin.Context) {
	s.updateSubscriptionStatus(c, "paused")
}

func (s *Server) HandleResumeSubscription(c *gin.Context) {
	s.updateSubscriptionStatus(c, "authorized")
}

func (s *Server) updateSubscriptionStatus(c *gin.Context, status string) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, newValidationError("id", "missing_id", "subscription id is required"))
		return
	}

	response, err := s.mpAPI.UpdateSubscription(c.Request.Context(), id, records.Record{"status": status})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapSubscriptionResponse(response))
}

func bindObjectBody(c *gin.Context) (records.Record, bool) {
	var payload records.Record
	if err := c.ShouldBindJSON(&payload); err != nil || payload == nil {
		AbortWithError(c, invalidRequestError())
		return nil, false
	}
	return payload, true
}

func mapSubscriptionResponse(response records.Record) gin.H {
	initPoint, ok := records.AsString(response["init_point"])
	if !ok {
		initPoint, _ = records.AsString(response["sandbox_init_point"])
	}

	id, _ := records.AsString(response["id"])
	status, _ := records.AsString(response["status"])
	payerEmail, ok := records.AsString(response["payer_email"])
	if !ok {
		if nested, found := response.GetNested("payer", "email"); found {
			payerEmail, _ = records.AsString(nested)
		}
	}

	return gin.H{
		"id":           id,
		"status":       status,
		"init_point":   initPoint,
		"payer_email":  payerEmail,
		"subscription": response,
	}
}

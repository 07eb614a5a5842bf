package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"mailstate/internal/conversations"
	"mailstate/internal/models"
)

// ConversationResponse wraps a single conversation record
type ConversationResponse struct {
	Success      bool                 `json:"success"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Message      string               `json:"message,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// ConversationListResponse wraps a participant lookup result
type ConversationListResponse struct {
	Success       bool                   `json:"success"`
	Conversations []*models.Conversation `json:"conversations"`
	Count         int                    `json:"count"`
	Message       string                 `json:"message,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// RequirementsResponse wraps the requirements facet of a conversation
type RequirementsResponse struct {
	Success             bool           `json:"success"`
	ConversationID      string         `json:"conversation_id,omitempty"`
	Requirements        map[string]any `json:"requirements,omitempty"`
	RequirementsVersion int64          `json:"requirements_version,omitempty"`
	Message             string         `json:"message,omitempty"`
	Error               string         `json:"error,omitempty"`
}

// UpdateStatusRequest is the payload for a status transition
type UpdateStatusRequest struct {
	Status models.ConversationStatus `json:"status"`
}

// GetConversationHandler returns a conversation by id
// @Summary Get a conversation
// @Tags Conversations
// @Produce json
// @Success 200 {object} ConversationResponse
// @Failure 404 {object} ConversationResponse
// @Router /api/conversations/{id} [get]
func GetConversationHandler(manager *conversations.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		conv, err := manager.FetchConversation(c.Request().Context(), c.Param("id"))
		if err != nil {
			return conversationError(c, err)
		}
		return c.JSON(http.StatusOK, ConversationResponse{Success: true, Conversation: conv})
	}
}

// GetRequirementsHandler returns only the requirements facet
// @Summary Get conversation requirements
// @Tags Conversations
// @Produce json
// @Success 200 {object} RequirementsResponse
// @Failure 404 {object} RequirementsResponse
// @Router /api/conversations/{id}/requirements [get]
func GetRequirementsHandler(manager *conversations.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		conv, err := manager.FetchConversation(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, conversations.ErrNotFound) {
				return c.JSON(http.StatusNotFound, RequirementsResponse{
					Success: false,
					Message: "Conversation not found",
				})
			}
			return c.JSON(http.StatusInternalServerError, RequirementsResponse{
				Success: false,
				Message: "Failed to load conversation",
				Error:   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, RequirementsResponse{
			Success:             true,
			ConversationID:      conv.ConversationID,
			Requirements:        conv.Requirements,
			RequirementsVersion: conv.RequirementsVersion,
		})
	}
}

// ListConversationsHandler finds conversations by participant address
// @Summary List conversations for a participant
// @Tags Conversations
// @Produce json
// @Success 200 {object} ConversationListResponse
// @Failure 400 {object} ConversationListResponse
// @Router /api/conversations [get]
func ListConversationsHandler(manager *conversations.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		participant := c.QueryParam("participant")
		if participant == "" {
			return c.JSON(http.StatusBadRequest, ConversationListResponse{
				Success:       false,
				Conversations: []*models.Conversation{},
				Message:       "participant query parameter is required",
			})
		}

		var statusFilter *models.ConversationStatus
		if raw := c.QueryParam("status"); raw != "" {
			status := models.ConversationStatus(raw)
			if !models.ValidStatus(status) {
				return c.JSON(http.StatusBadRequest, ConversationListResponse{
					Success:       false,
					Conversations: []*models.Conversation{},
					Message:       "unknown status filter: " + raw,
				})
			}
			statusFilter = &status
		}

		matches, err := manager.GetConversationsByParticipant(c.Request().Context(), participant, statusFilter)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ConversationListResponse{
				Success:       false,
				Conversations: []*models.Conversation{},
				Message:       "Failed to look up conversations",
				Error:         err.Error(),
			})
		}
		if matches == nil {
			matches = []*models.Conversation{}
		}
		return c.JSON(http.StatusOK, ConversationListResponse{
			Success:       true,
			Conversations: matches,
			Count:         len(matches),
		})
	}
}

// UpdateStatusHandler applies a status transition to a conversation
// @Summary Update conversation status
// @Tags Conversations
// @Accept json
// @Produce json
// @Success 200 {object} ConversationResponse
// @Failure 400 {object} ConversationResponse
// @Failure 404 {object} ConversationResponse
// @Router /api/conversations/{id}/status [put]
func UpdateStatusHandler(manager *conversations.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req UpdateStatusRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ConversationResponse{
				Success: false,
				Message: "Invalid request payload",
				Error:   err.Error(),
			})
		}

		conv, err := manager.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status)
		if err != nil {
			if errors.Is(err, conversations.ErrInvalidStatus) {
				return c.JSON(http.StatusBadRequest, ConversationResponse{
					Success: false,
					Message: "Unknown status",
					Error:   err.Error(),
				})
			}
			return conversationError(c, err)
		}
		return c.JSON(http.StatusOK, ConversationResponse{Success: true, Conversation: conv})
	}
}

func conversationError(c echo.Context, err error) error {
	if errors.Is(err, conversations.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ConversationResponse{
			Success: false,
			Message: "Conversation not found",
		})
	}
	return c.JSON(http.StatusInternalServerError, ConversationResponse{
		Success: false,
		Message: "Conversation store error",
		Error:   err.Error(),
	})
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/history"
	"github.com/mossy-p/call-signaling/internal/models"
)

// ListCalls returns the live rooms that are not private (requires authentication)
func ListCalls(svc *calls.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": svc.PublicRooms()})
	}
}

// CallHistory returns the calls the authenticated user took part in
func CallHistory(q history.Querier, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		records, err := q.ByUser(c.Request.Context(), userID, limitParam(c))
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read call history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read call history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"calls": records})
	}
}

// RoomHistory returns the calls of one room, restricted to those the
// authenticated user took part in
func RoomHistory(q history.Querier, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		roomID := c.Param("roomId")

		records, err := q.ByRoom(c.Request.Context(), roomID, limitParam(c))
		if err != nil {
			logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to read room history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read call history"})
			return
		}

		visible := make([]models.CallRecord, 0, len(records))
		for _, rec := range records {
			if tookPart(rec, userID) {
				visible = append(visible, rec)
			}
		}
		c.JSON(http.StatusOK, gin.H{"roomId": roomID, "calls": visible})
	}
}

func tookPart(rec models.CallRecord, userID string) bool {
	if rec.StartedByID == userID {
		return true
	}
	for _, u := range rec.Participants() {
		if u == userID {
			return true
		}
	}
	return false
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return n
}

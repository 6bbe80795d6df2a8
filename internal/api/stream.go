package api

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/internal/middleware"
)

const (
	streamReadLimit = 1 << 20
	streamIdle      = 5 * time.Minute
	streamWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StreamRequest is one websocket message: a PredictRequest with an ID the
// reply echoes back.
type StreamRequest struct {
	ID string `json:"id"`
	PredictRequest
}

// StreamReply answers one StreamRequest. Exactly one of Result and Error is set.
type StreamReply struct {
	ID     string            `json:"id"`
	Result *PredictResponse  `json:"result,omitempty"`
	Error  *domain.KFREError `json:"error,omitempty"`
}

// handlePredictStream upgrades to a websocket and answers prediction
// requests on it until the client closes the connection. A failed request
// gets an error reply; the connection stays open.
func (s *Server) handlePredictStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	requestID := c.GetString(middleware.CorrelationIDKey)
	log := s.logger.WithField("correlation_id", requestID)
	log.Debug("Prediction stream opened")

	conn.SetReadLimit(streamReadLimit)
	ctx := c.Request.Context()
	served := 0

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdle))

		var req StreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if isJSONError(err) {
				reply := StreamReply{Error: domain.NewKFREError(domain.ErrInvalidInput, "invalid message", err.Error(), requestID)}
				if s.writeReply(conn, reply) != nil {
					break
				}
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Prediction stream read ended")
			}
			break
		}

		reply := StreamReply{ID: req.ID}
		resp, err := s.predict(ctx, &req.PredictRequest, audit.SourceWS)
		if err != nil {
			_, reply.Error = s.errorBody(err, requestID)
		} else {
			reply.Result = resp
		}
		if err := s.writeReply(conn, reply); err != nil {
			log.WithError(err).Debug("Prediction stream write failed")
			break
		}
		served++
	}

	log.WithFields(logrus.Fields{"requests": served}).Debug("Prediction stream closed")
}

func (s *Server) writeReply(conn *websocket.Conn, reply StreamReply) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(reply)
}

// isJSONError reports whether a ReadJSON failure came from the message body
// rather than the connection. A truncated or empty message decodes to
// io.ErrUnexpectedEOF.
func isJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

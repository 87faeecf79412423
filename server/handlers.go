package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/broca/journal"
	"github.com/mrsingh-rishi/broca/llm"
	"github.com/mrsingh-rishi/broca/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

var (
	errNoCleaner = fiber.NewError(fiber.StatusServiceUnavailable, "completion API is not configured")
	errNoHistory = fiber.NewError(fiber.StatusServiceUnavailable, "journal database is not configured")
)

func (s *Server) handleClean(c *fiber.Ctx) error {
	if s.opts.Cleaner == nil {
		return errNoCleaner
	}
	var req types.CleanRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
	}
	if req.RawTranscript == "" {
		return fiber.NewError(fiber.StatusBadRequest, "`raw_transcript` field is required")
	}

	cleaned, err := s.opts.Cleaner.Clean(c.UserContext(), journal.SanitizeName(req.Username), req.RawTranscript)
	if err != nil {
		return completionError(err)
	}

	if s.opts.Journal != nil {
		entry := journal.Entry{
			Username:  req.Username,
			Timestamp: req.Timestamp,
			Raw:       req.RawTranscript,
			Cleaned:   cleaned,
		}
		if err := s.opts.Journal.Append(c.UserContext(), entry); err != nil {
			s.logger.Error("journal", "user", req.Username, "error", err)
		}
	}
	return c.JSON(types.CleanResponse{Cleaned: cleaned})
}

func (s *Server) handlePredict(c *fiber.Ctx) error {
	if s.opts.Cleaner == nil {
		return errNoCleaner
	}
	text := c.Query("text")
	if text == "" && len(c.Body()) > 0 {
		var req types.PredictRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
		}
		text = req.Text
	}
	if text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "`text` is required")
	}

	predicted, err := s.opts.Cleaner.Predict(c.UserContext(), text)
	if err != nil {
		return completionError(err)
	}
	s.logger.Debug("predicted", "text", text, "choices", predicted)
	return c.JSON(predicted)
}

func completionError(err error) error {
	if errors.Is(err, llm.ErrEmptyPrompt) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return fiber.NewError(fiber.StatusBadGateway, err.Error())
}

// handleHistory lists a user's latest cleanups, newest first.
func (s *Server) handleHistory(c *fiber.Ctx) error {
	if s.opts.History == nil {
		return errNoHistory
	}
	username := c.Params("username")
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		return fiber.NewError(fiber.StatusBadRequest, "`limit` must be between 1 and 100")
	}

	entries, err := s.opts.History.Recent(c.UserContext(), username, limit)
	if err != nil {
		return errors.Wrap(err, "journal history")
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return c.JSON(entries)
}

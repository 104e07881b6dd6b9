package api

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/storyforge/internal/middleware"
	"github.com/NikhilSetiya/storyforge/internal/provider"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

const (
	defaultRecentStories = 50
	maxPromptLength      = 4000
)

// CreateStoryRequest is the body of POST /api/v1/stories
type CreateStoryRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Genre  string `json:"genre"`
	Words  int    `json:"words" binding:"omitempty,min=50,max=2000"`
}

// Story is a generated story
type Story struct {
	ID            uuid.UUID      `json:"id"`
	Prompt        string         `json:"prompt"`
	Genre         string         `json:"genre,omitempty"`
	Content       string         `json:"content"`
	Model         string         `json:"model"`
	Usage         provider.Usage `json:"usage"`
	Attempts      int            `json:"attempts"`
	CorrelationID string         `json:"correlation_id"`
	CreatedAt     time.Time      `json:"created_at"`
}

// StoryLog keeps the most recent stories in memory, newest first
type StoryLog struct {
	mu      sync.RWMutex
	stories []Story
	next    int
	full    bool
}

// NewStoryLog creates a log holding up to capacity stories
func NewStoryLog(capacity int) *StoryLog {
	if capacity <= 0 {
		capacity = defaultRecentStories
	}
	return &StoryLog{stories: make([]Story, capacity)}
}

// Add records a story, overwriting the oldest when full
func (l *StoryLog) Add(s Story) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stories[l.next] = s
	l.next = (l.next + 1) % len(l.stories)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to limit stories, newest first
func (l *StoryLog) Recent(limit int) []Story {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.stories)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Story, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.stories)) % len(l.stories)
		out = append(out, l.stories[idx])
	}
	return out
}

// StoryHandler serves story generation
type StoryHandler struct {
	generator provider.Completer
	log       *StoryLog
	logger    *logging.Logger
}

// NewStoryHandler creates a story handler
func NewStoryHandler(generator provider.Completer, log *StoryLog, logger *logging.Logger) *StoryHandler {
	if log == nil {
		log = NewStoryLog(defaultRecentStories)
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &StoryHandler{generator: generator, log: log, logger: logger}
}

// CreateStory handles POST /api/v1/stories
func (h *StoryHandler) CreateStory(c *gin.Context) {
	var req CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		ValidationErrorResponse(c, "Prompt must not be blank", nil)
		return
	}
	if len(req.Prompt) > maxPromptLength {
		ValidationErrorResponse(c, "Prompt is too long", map[string]interface{}{"max_length": maxPromptLength})
		return
	}

	ctx := c.Request.Context()
	completion, err := h.generator.Complete(ctx, storyMessages(req))
	if err != nil {
		h.logger.WithContext(ctx).WithFields(logrus.Fields{
			"outcome":  string(resilience.OutcomeOf(err)),
			"attempts": resilience.AttemptsOf(err),
		}).WithError(err).Error("Story generation failed")
		ErrorResponseFromError(c, err)
		return
	}

	story := Story{
		ID:            uuid.New(),
		Prompt:        req.Prompt,
		Genre:         req.Genre,
		Content:       completion.Content,
		Model:         completion.Model,
		Usage:         completion.Usage,
		Attempts:      completion.Attempts,
		CorrelationID: middleware.CorrelationID(c),
		CreatedAt:     time.Now().UTC(),
	}
	h.log.Add(story)

	h.logger.WithContext(ctx).WithFields(logrus.Fields{
		"story_id": story.ID.String(),
		"attempts": story.Attempts,
		"tokens":   story.Usage.TotalTokens,
	}).Info("Story generated")

	CreatedResponse(c, story)
}

// ListStories handles GET /api/v1/stories
func (h *StoryHandler) ListStories(c *gin.Context) {
	limit := defaultRecentStories
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	stories := h.log.Recent(limit)
	SuccessResponseWithMeta(c, stories, &Meta{Count: len(stories), Limit: limit})
}

func storyMessages(req CreateStoryRequest) []provider.Message {
	var system strings.Builder
	system.WriteString("You are a storyteller. Write an original short story")
	if req.Genre != "" {
		system.WriteString(" in the ")
		system.WriteString(req.Genre)
		system.WriteString(" genre")
	}
	if req.Words > 0 {
		system.WriteString(" of about ")
		system.WriteString(strconv.Itoa(req.Words))
		system.WriteString(" words")
	}
	system.WriteString(".")

	return []provider.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: req.Prompt},
	}
}

package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"github.com/gin-gonic/gin"
)

type createRequestPayload struct {
	Title    string         `json:"title"`
	Tags     []string       `json:"tags"`
	Snapshot *richtext.Node `json:"snapshot"`
}

type patchRequestPayload struct {
	Title    *string        `json:"title"`
	Tags     *[]string      `json:"tags"`
	Snapshot *richtext.Node `json:"snapshot"`
	Note     *string        `json:"note"`
}

type documentResponsePayload struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Tags      []string      `json:"tags"`
	Snapshot  richtext.Node `json:"snapshot"`
	HTML      string        `json:"html"`
	CrdtB64   string        `json:"crdtB64"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
	CreatedBy string        `json:"createdBy"`
	UpdatedBy string        `json:"updatedBy"`
}

type revisionPayload struct {
	ID        string `json:"id"`
	Note      string `json:"note"`
	AuthorID  string `json:"authorId"`
	CreatedAt int64  `json:"createdAt"`
}

type pushRequestPayload struct {
	UpdateB64 *string `json:"updateB64"`
}

type pushResponsePayload struct {
	Timestamp   time.Time `json:"ts"`
	MergedBytes int       `json:"mergedBytes"`
}

type pullRequestPayload struct {
	StateVectorB64 *string `json:"stateVectorB64"`
}

type pullResponsePayload struct {
	UpdateB64 *string   `json:"updateB64"`
	Timestamp time.Time `json:"ts"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	_, userID, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.documents.Create(c.Request.Context(), documents.CreateRequest{
		Title:    request.Title,
		Tags:     request.Tags,
		Snapshot: request.Snapshot,
	}, userID)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(view))
}

func (h *httpHandler) handleGet(c *gin.Context) {
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	view, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(view))
}

func (h *httpHandler) handlePatch(c *gin.Context) {
	_, userID, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	var request patchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.documents.Patch(c.Request.Context(), documentID, documents.PatchRequest{
		Title:    request.Title,
		Tags:     request.Tags,
		Snapshot: request.Snapshot,
		Note:     request.Note,
	}, userID)
	if err != nil {
		h.respondError(c, "patch", err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(view))
}

func (h *httpHandler) handleRevisions(c *gin.Context) {
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	revisions, err := h.documents.ListRevisions(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "revisions", err)
		return
	}
	payload := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		payload = append(payload, revisionPayload{
			ID:        revision.ID,
			Note:      revision.Note,
			AuthorID:  revision.AuthorID,
			CreatedAt: revision.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"revisions": payload})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	_, userID, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UpdateB64 == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.documents.Push(c.Request.Context(), documentID, *request.UpdateB64, userID)
	if err != nil {
		h.respondError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, pushResponsePayload{Timestamp: result.Timestamp.UTC(), MergedBytes: result.MergedBytes})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	_, userID, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	var request pullRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.StateVectorB64 == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.documents.Pull(c.Request.Context(), documentID, *request.StateVectorB64, userID)
	if err != nil {
		h.respondError(c, "pull", err)
		return
	}
	c.JSON(http.StatusOK, pullResponsePayload{UpdateB64: result.UpdateB64, Timestamp: result.Timestamp.UTC()})
}

func toDocumentPayload(view documents.DocumentView) documentResponsePayload {
	return documentResponsePayload{
		ID:        view.ID,
		Title:     view.Title,
		Tags:      view.Tags,
		Snapshot:  view.Snapshot,
		HTML:      view.HTML,
		CrdtB64:   view.CrdtB64,
		CreatedAt: view.CreatedAt.UnixMilli(),
		UpdatedAt: view.UpdatedAt.UnixMilli(),
		CreatedBy: view.CreatedBy,
		UpdatedBy: view.UpdatedBy,
	}
}

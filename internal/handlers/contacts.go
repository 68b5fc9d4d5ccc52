package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/contacts"
	"github.com/nestaid/nestaid-server/internal/middleware"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
	appErrors "github.com/nestaid/nestaid-server/pkg/errors"
	"github.com/nestaid/nestaid-server/pkg/response"
)

// maxImportUploadBytes bounds CSV uploads; 4 MiB comfortably covers the
// 1,000-record cap with generous field sizes.
const maxImportUploadBytes = 4 << 20

type ContactHandler struct {
	contacts *services.ContactService
}

func NewContactHandler(contacts *services.ContactService) *ContactHandler {
	return &ContactHandler{contacts: contacts}
}

type contactPayload struct {
	FirstName string `json:"first_name" validate:"omitempty,max=128"`
	LastName  string `json:"last_name" validate:"omitempty,max=128"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
	Email     string `json:"email" validate:"omitempty,max=254"`
	Company   string `json:"company" validate:"omitempty,max=128"`
	JobTitle  string `json:"job_title" validate:"omitempty,max=128"`
}

type createContactRequest struct {
	contactPayload

	Tags       []string `json:"tags" validate:"omitempty,max=32,dive,max=64"`
	Notes      string   `json:"notes" validate:"omitempty,max=2048"`
	IsFavorite bool     `json:"is_favorite"`
}

type updateContactRequest struct {
	FirstName  *string   `json:"first_name" validate:"omitempty,max=128"`
	LastName   *string   `json:"last_name" validate:"omitempty,max=128"`
	Phone      *string   `json:"phone" validate:"omitempty,max=32"`
	Email      *string   `json:"email" validate:"omitempty,max=254"`
	Company    *string   `json:"company" validate:"omitempty,max=128"`
	JobTitle   *string   `json:"job_title" validate:"omitempty,max=128"`
	Tags       *[]string `json:"tags" validate:"omitempty,max=32,dive,max=64"`
	Notes      *string   `json:"notes" validate:"omitempty,max=2048"`
	IsFavorite *bool     `json:"is_favorite"`
}

type bulkCreateContactsRequest struct {
	Name     string           `json:"name" validate:"omitempty,max=128"`
	Source   string           `json:"source" validate:"omitempty,oneof=manual imported synced"`
	Contacts []contactPayload `json:"contacts" validate:"required,min=1"`
}

type contactDTO struct {
	ID           string     `json:"id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Phone        string     `json:"phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	Company      string     `json:"company,omitempty"`
	JobTitle     string     `json:"job_title,omitempty"`
	Source       string     `json:"source"`
	IsFavorite   bool       `json:"is_favorite"`
	Tags         []string   `json:"tags,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toContactDTO(contact *models.Contact) contactDTO {
	return contactDTO{
		ID:           contact.ID,
		FirstName:    contact.FirstName,
		LastName:     contact.LastName,
		Phone:        contact.PhoneValue(),
		Email:        contact.EmailValue(),
		Company:      contact.Company,
		JobTitle:     contact.JobTitle,
		Source:       contact.Source,
		IsFavorite:   contact.IsFavorite,
		Tags:         contact.Tags,
		Notes:        contact.Notes,
		LastSyncedAt: contact.LastSyncedAt,
		CreatedAt:    contact.CreatedAt,
		UpdatedAt:    contact.UpdatedAt,
	}
}

func toRawContact(p contactPayload) contacts.RawContact {
	return contacts.RawContact{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		Email:     p.Email,
		Company:   p.Company,
		JobTitle:  p.JobTitle,
	}
}

func currentUserID(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetString(middleware.CtxUserIDKey))
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return "", false
	}
	return userID, true
}

// POST /api/contacts
func (h *ContactHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req createContactRequest
	if !bindAndValidate(c, &req) {
		return
	}

	contact, err := h.contacts.Create(requestContext(c), userID, services.CreateContactInput{
		RawContact: toRawContact(req.contactPayload),
		Tags:       req.Tags,
		Notes:      req.Notes,
		IsFavorite: req.IsFavorite,
		Source:     models.ContactSourceManual,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"contact": toContactDTO(contact)})
}

// GET /api/contacts
func (h *ContactHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	filter := services.ContactListFilter{
		Source: strings.TrimSpace(c.Query("source")),
		Search: c.Query("search"),
		Limit:  parseIntQuery(c, "limit", 50),
		Offset: parseIntQuery(c, "offset", 0),
	}
	if favorite := strings.TrimSpace(c.Query("favorite")); favorite != "" {
		isFavorite := favorite == "true" || favorite == "1"
		filter.IsFavorite = &isFavorite
	}

	rows, total, err := h.contacts.List(requestContext(c), userID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]contactDTO, 0, len(rows))
	for i := range rows {
		items = append(items, toContactDTO(&rows[i]))
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"contacts": items}, &response.Meta{
		Total: int(total),
	})
}

// GET /api/contacts/:id
func (h *ContactHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	contact, err := h.contacts.Get(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"contact": toContactDTO(contact)})
}

// PUT /api/contacts/:id
func (h *ContactHandler) Update(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req updateContactRequest
	if !bindAndValidate(c, &req) {
		return
	}

	contact, err := h.contacts.Update(requestContext(c), userID, c.Param("id"), services.UpdateContactInput{
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Phone:      req.Phone,
		Email:      req.Email,
		Company:    req.Company,
		JobTitle:   req.JobTitle,
		Tags:       req.Tags,
		Notes:      req.Notes,
		IsFavorite: req.IsFavorite,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"contact": toContactDTO(contact)})
}

// DELETE /api/contacts/:id
func (h *ContactHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.contacts.Delete(requestContext(c), userID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/contacts/bulk
func (h *ContactHandler) BulkCreate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req bulkCreateContactsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	records := make([]contacts.RawContact, 0, len(req.Contacts))
	for _, payload := range req.Contacts {
		records = append(records, toRawContact(payload))
	}

	batch, result, err := h.contacts.BulkCreate(requestContext(c), userID, req.Name, records, req.Source)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, batchResultPayload(batch.ID, result))
}

// POST /api/contacts/import
func (h *ContactHandler) ImportCSV(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.NewBadRequest("a csv file upload named \"file\" is required"))
		return
	}
	defer file.Close()

	if header.Size > maxImportUploadBytes {
		response.Error(c, appErrors.ErrBatchTooLarge.WithMessage("uploaded file is too large"))
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = header.Filename
	}

	batch, result, err := h.contacts.ImportCSV(requestContext(c), userID, name, http.MaxBytesReader(c.Writer, file, maxImportUploadBytes))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, batchResultPayload(batch.ID, result))
}

// GET /api/contacts/export
func (h *ContactHandler) ExportCSV(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="contacts.csv"`)
	if err := h.contacts.ExportCSV(requestContext(c), userID, c.Writer); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// GET /api/contacts/batches
func (h *ContactHandler) ListBatches(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	batches, err := h.contacts.ListBatches(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"batches": batches})
}

// GET /api/contacts/batches/:id
func (h *ContactHandler) GetBatch(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	batch, err := h.contacts.GetBatch(requestContext(c), userID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"batch": batch})
}

// batchResultPayload renders the shared three-way partition envelope used by
// import, bulk create and sync responses.
func batchResultPayload(batchID string, result services.BatchResult) gin.H {
	return gin.H{
		"batch_id":   batchID,
		"total":      result.Total(),
		"successful": result.Successful,
		"failed":     result.Failed,
		"duplicates": result.Duplicates,
	}
}

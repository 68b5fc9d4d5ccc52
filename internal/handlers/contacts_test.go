package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nestaid/nestaid-server/internal/database/testutil"
	"github.com/nestaid/nestaid-server/internal/middleware"
	"github.com/nestaid/nestaid-server/internal/models"
	"github.com/nestaid/nestaid-server/internal/services"
)

const handlerUserID = "33333333-3333-3333-3333-333333333333"

func init() {
	gin.SetMode(gin.TestMode)
}

func newContactHandlerEnv(t *testing.T) (*ContactHandler, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewContactService(db, services.WithContactWorkers(1))
	require.NoError(t, err)
	return NewContactHandler(svc), db
}

func testContext(t *testing.T, userID, method, target string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	c.Request = httptest.NewRequest(method, target, reader)
	if body != nil {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		c.Set(middleware.CtxUserIDKey, userID)
	}
	return c, rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

func TestContactHandlerCreate(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/contacts", gin.H{
		"first_name": "Maria",
		"phone":      "(555) 010-7788",
		"tags":       []string{"clients"},
	})
	handler.Create(c)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payload := decodeEnvelope(t, rec)
	require.Equal(t, true, payload["success"])

	var stored models.Contact
	require.NoError(t, db.First(&stored, "user_id = ?", handlerUserID).Error)
	require.Equal(t, "+15550107788", stored.PhoneValue())
	require.Equal(t, models.ContactSourceManual, stored.Source)
}

func TestContactHandlerCreateRejectsUnauthenticated(t *testing.T) {
	handler, _ := newContactHandlerEnv(t)

	c, rec := testContext(t, "", http.MethodPost, "/api/contacts", gin.H{"phone": "+15550102233"})
	handler.Create(c)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestContactHandlerCreateRejectsBadJSON(t *testing.T) {
	handler, _ := newContactHandlerEnv(t)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/contacts", strings.NewReader("{not json"))
	c.Set(middleware.CtxUserIDKey, handlerUserID)
	handler.Create(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContactHandlerCreateDuplicateConflictStatus(t *testing.T) {
	handler, _ := newContactHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/contacts", gin.H{"phone": "+15550104455"})
	handler.Create(c)
	require.Equal(t, http.StatusCreated, rec.Code)

	c, rec = testContext(t, handlerUserID, http.MethodPost, "/api/contacts", gin.H{"phone": "+15550104455"})
	handler.Create(c)
	require.Equal(t, http.StatusConflict, rec.Code)

	payload := decodeEnvelope(t, rec)
	errInfo, ok := payload["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	require.Equal(t, "DUPLICATE_CONTACT", errInfo["code"])
}

func TestContactHandlerListWithFilters(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	seed := []models.Contact{
		{UserID: handlerUserID, FirstName: "Ada", Source: models.ContactSourceManual, IsFavorite: true},
		{UserID: handlerUserID, FirstName: "Ben", Source: models.ContactSourceImported},
		{UserID: "44444444-4444-4444-4444-444444444444", FirstName: "Eve", Source: models.ContactSourceManual},
	}
	for i := range seed {
		phone := "+1555010550" + string(rune('0'+i))
		seed[i].Phone = &phone
		require.NoError(t, db.Create(&seed[i]).Error)
	}

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/contacts?favorite=true", nil)
	handler.List(c)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeEnvelope(t, rec)
	meta, ok := payload["meta"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	require.Equal(t, float64(1), meta["total"])
}

func TestContactHandlerUpdateAndDelete(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	phone := "+15550106677"
	contact := models.Contact{UserID: handlerUserID, FirstName: "Joan", Phone: &phone, Source: models.ContactSourceManual}
	require.NoError(t, db.Create(&contact).Error)

	c, rec := testContext(t, handlerUserID, http.MethodPatch, "/api/contacts/"+contact.ID, gin.H{"is_favorite": true})
	c.Params = gin.Params{{Key: "id", Value: contact.ID}}
	handler.Update(c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored models.Contact
	require.NoError(t, db.First(&stored, "id = ?", contact.ID).Error)
	require.True(t, stored.IsFavorite)

	c, rec = testContext(t, handlerUserID, http.MethodDelete, "/api/contacts/"+contact.ID, nil)
	c.Params = gin.Params{{Key: "id", Value: contact.ID}}
	handler.Delete(c)
	require.Equal(t, http.StatusOK, rec.Code)

	err := db.First(&stored, "id = ?", contact.ID).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestContactHandlerGetScopedToOwner(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	phone := "+15550108899"
	contact := models.Contact{UserID: "44444444-4444-4444-4444-444444444444", Phone: &phone, Source: models.ContactSourceManual}
	require.NoError(t, db.Create(&contact).Error)

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/contacts/"+contact.ID, nil)
	c.Params = gin.Params{{Key: "id", Value: contact.ID}}
	handler.Get(c)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContactHandlerBulkCreatePartition(t *testing.T) {
	handler, _ := newContactHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/contacts/bulk", gin.H{
		"name": "spring outreach",
		"contacts": []gin.H{
			{"first_name": "One", "phone": "+15550101001"},
			{"first_name": "Two", "phone": "+15550101002"},
			{"first_name": "Dup", "phone": "+15550101001"},
			{"first_name": "Bad"},
		},
	})
	handler.BulkCreate(c)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payload := decodeEnvelope(t, rec)
	data, ok := payload["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(4), data["total"])

	successful, ok := data["successful"].([]any)
	require.True(t, ok)
	require.Len(t, successful, 2)
	require.Len(t, data["duplicates"].([]any), 1)
	require.Len(t, data["failed"].([]any), 1)
}

func TestContactHandlerImportCSV(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("First Name,Last Name,Phone,Email,Company,Job Title\nMaria,Santos,+15550103001,,,\nLuis,Ortega,+15550103002,,,\n"))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("name", "phone book"))
	require.NoError(t, writer.Close())

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/contacts/import", &buf)
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())
	c.Set(middleware.CtxUserIDKey, handlerUserID)
	handler.ImportCSV(c)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var count int64
	require.NoError(t, db.Model(&models.Contact{}).Where("user_id = ?", handlerUserID).Count(&count).Error)
	require.Equal(t, int64(2), count)

	var batch models.ImportBatch
	require.NoError(t, db.First(&batch, "user_id = ?", handlerUserID).Error)
	require.Equal(t, "phone book", batch.Name)
	require.Equal(t, models.BatchStatusCompleted, batch.Status)
}

func TestContactHandlerImportCSVRequiresFile(t *testing.T) {
	handler, _ := newContactHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/contacts/import", nil)
	handler.ImportCSV(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContactHandlerExportCSV(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	phone := "+15550104001"
	require.NoError(t, db.Create(&models.Contact{
		UserID:    handlerUserID,
		FirstName: "Rita",
		LastName:  "Moss",
		Phone:     &phone,
		Source:    models.ContactSourceManual,
	}).Error)

	c, rec := testContext(t, handlerUserID, http.MethodGet, "/api/contacts/export", nil)
	handler.ExportCSV(c)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "First Name,Last Name,Phone,Email,Company,Job Title")
	require.Contains(t, rec.Body.String(), "Rita,Moss,+15550104001")
}

func TestContactHandlerBatchLookup(t *testing.T) {
	handler, db := newContactHandlerEnv(t)

	c, rec := testContext(t, handlerUserID, http.MethodPost, "/api/contacts/bulk", gin.H{
		"contacts": []gin.H{{"phone": "+15550105001"}},
	})
	handler.BulkCreate(c)
	require.Equal(t, http.StatusOK, rec.Code)

	var batch models.ImportBatch
	require.NoError(t, db.First(&batch, "user_id = ?", handlerUserID).Error)

	c, rec = testContext(t, handlerUserID, http.MethodGet, "/api/contacts/batches/"+batch.ID, nil)
	c.Params = gin.Params{{Key: "id", Value: batch.ID}}
	handler.GetBatch(c)
	require.Equal(t, http.StatusOK, rec.Code)

	c, rec = testContext(t, handlerUserID, http.MethodGet, "/api/contacts/batches", nil)
	handler.ListBatches(c)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeEnvelope(t, rec)
	data := payload["data"].(map[string]any)
	require.Len(t, data["batches"].([]any), 1)
}

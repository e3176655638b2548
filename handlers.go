package main

import (
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// respondError maps domain errors onto the wire. AppError carries its own
// status and detail payload (resolvable errors include error_type,
// fix_locator and retry_descriptor in Details); anything else is a 500.
func respondError(c *gin.Context, err error) {
	logger := config.GetLogger()

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    apperror.CodeValidation,
				"message": "request validation failed",
				"details": utils.ProcessValidationErrors(validationErrs),
			},
		})
		return
	}

	if appErr, ok := apperror.AsAppError(err); ok {
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			config.LogError(logger, "handlers.go", "respondError", appErr.Code, appErr.Details, err)
		}
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}

	config.LogError(logger, "handlers.go", "respondError", "unclassified error", nil, err)
	internal := apperror.NewInternal(err)
	c.JSON(internal.HTTPStatus, gin.H{"error": internal})
}

// logoutHandler revokes the legacy redis-backed session the session middleware
// resolved. JWT sessions expire on their own.
func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := utils.GetTokenFromContext(c.Request.Context())
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"code":    apperror.CodeValidation,
				"message": "no session token",
			}})
			return
		}
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			respondError(c, err)
			return
		}
		if username, ok := utils.GetUsernameFromContext(c.Request.Context()); ok {
			config.GetLogger().WithField("username", username).Info("session revoked")
		}
		c.Status(http.StatusNoContent)
	}
}

// requireBusinessId pulls the tenant id the auth middleware resolved from the
// JWT. Every tenant-scoped handler starts here; models take businessId
// explicitly from this point on.
func requireBusinessId(c *gin.Context) (string, bool) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
			"code":    apperror.CodeValidation,
			"message": "unauthorized",
		}})
		return "", false
	}
	return businessId, true
}

func currentUserId(c *gin.Context) int {
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	return userId
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		respondError(c, apperror.NewValidation(name+" must be a positive integer"))
		return 0, false
	}
	return id, true
}

// --- tenants ---

func createBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"code":    apperror.CodeValidation,
				"message": "unauthorized",
			}})
			return
		}

		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, business)
	}
}

// --- inventory items ---

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var input models.NewInventoryItem
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		item, err := models.CreateInventoryItem(c.Request.Context(), businessId, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func getItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		item, err := models.GetInventoryItem(c.Request.Context(), businessId, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func itemAvailabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		qty, err := utils.ParseDecimal(c.Query("qty"))
		if err != nil || !qty.IsPositive() {
			respondError(c, apperror.NewValidation("qty must be a positive decimal"))
			return
		}
		unitId := 0
		if raw := c.Query("unit"); raw != "" {
			unitId, err = strconv.Atoi(raw)
			if err != nil || unitId <= 0 {
				respondError(c, apperror.NewValidation("unit must be a positive integer"))
				return
			}
		}

		availability, err := models.CheckAvailability(c.Request.Context(), businessId, id, qty, unitId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, availability)
	}
}

func itemHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				respondError(c, apperror.NewValidation("limit must be a positive integer"))
				return
			}
			limit = n
		}
		events, err := models.ListItemHistory(c.Request.Context(), businessId, id, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": id, "events": events})
	}
}

func createUnitMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var input models.NewItemUnitMapping
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		mapping, err := models.CreateItemUnitMapping(c.Request.Context(), businessId, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

// --- adjustments ---

func adjustInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var input models.AdjustmentInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		result, err := models.AdjustInventory(c.Request.Context(), businessId, currentUserId(c), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"item":           result.Item,
			"events":         result.Events,
			"plan":           result.Plan,
			"correlation_id": cid,
		})
	}
}

// --- recipes ---

func createRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var input models.NewRecipe
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		recipe, err := models.CreateRecipe(c.Request.Context(), businessId, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, recipe)
	}
}

func getRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		recipe, err := models.GetRecipe(c.Request.Context(), businessId, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, recipe)
	}
}

func updateRecipeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewRecipe
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		recipe, err := models.UpdateRecipe(c.Request.Context(), businessId, id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, recipe)
	}
}

// --- batches ---

type planBatchRequest struct {
	RecipeId   int                    `json:"recipe_id" binding:"required"`
	Scale      decimal.Decimal        `json:"scale" binding:"required"`
	BatchType  string                 `json:"batch_type"`
	Containers []models.PlanContainer `json:"containers" binding:"dive"`
}

// planBatchHandler builds a snapshot without touching the ledger. The client
// holds the snapshot and posts it back on start, so a recipe edit in between
// cannot change the plan.
func planBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var req planBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, err)
			return
		}
		recipe, err := models.GetRecipe(c.Request.Context(), businessId, req.RecipeId)
		if err != nil {
			respondError(c, err)
			return
		}
		snapshot, err := models.BuildPlanSnapshot(recipe, req.Scale, req.BatchType, req.Containers)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

type startBatchRequest struct {
	PlanSnapshot   models.PlanSnapshot `json:"plan_snapshot" binding:"required"`
	IdempotencyKey string              `json:"idempotency_key" binding:"required,max=255"`
}

func startBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		var req startBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, err)
			return
		}
		batch, err := models.StartBatch(c.Request.Context(), businessId, currentUserId(c), &req.PlanSnapshot, req.IdempotencyKey)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success":  true,
			"batch_id": batch.ID,
			"batch":    batch,
		})
	}
}

func getBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		batch, err := models.GetBatch(c.Request.Context(), businessId, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func addExtraItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.AddExtraInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		batch, err := models.AddExtraItem(c.Request.Context(), businessId, currentUserId(c), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func finishBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.FinishInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		batch, err := models.FinishBatch(c.Request.Context(), businessId, currentUserId(c), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

type batchNoteRequest struct {
	Note *string `json:"note"`
}

func cancelBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req batchNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			respondError(c, err)
			return
		}
		batch, err := models.CancelBatch(c.Request.Context(), businessId, currentUserId(c), id, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

func failBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusinessId(c)
		if !ok {
			return
		}
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req batchNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			respondError(c, err)
			return
		}
		batch, err := models.FailBatch(c.Request.Context(), businessId, currentUserId(c), id, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	}
}

// --- ops tooling ---

type outboxReplayRequest struct {
	BusinessId string `json:"business_id" binding:"required"`
	RecordId   int    `json:"record_id"`
	// Alternative lookup: the domain reference the record points at
	// (e.g. reference_type=BTC, reference_id=<batch id>).
	ReferenceType string `json:"reference_type"`
	ReferenceId   int    `json:"reference_id"`
}

// outboxReplayHandler re-queues a DEAD/FAILED feed record (admin only).
// The record is addressed by id, or by its domain reference when the
// caller only knows which batch/adjustment went missing downstream.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{
				"code":    apperror.CodeValidation,
				"message": "unauthorized",
			}})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, err)
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		recordId := req.RecordId
		if recordId == 0 {
			if req.ReferenceType == "" || req.ReferenceId == 0 {
				respondError(c, apperror.NewValidation("record_id or reference_type+reference_id is required"))
				return
			}
			id, err := utils.GetPolymorphicId[models.PubSubMessageRecord](c.Request.Context(), req.ReferenceType, req.ReferenceId)
			if err != nil {
				respondError(c, err)
				return
			}
			if id == 0 {
				respondError(c, apperror.NewNotFound("outbox record", req.ReferenceId))
				return
			}
			recordId = id
		}

		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.PubSubMessageRecord{}).
			Where("id = ? AND business_id = ?", recordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       recordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

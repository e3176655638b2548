package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// setupIntegrationEnv boots MySQL + Redis containers, connects the globals,
// migrates, and returns a context bound to a fresh tracked tenant.
func setupIntegrationEnv(t *testing.T) (context.Context, string) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "makerbooks_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	businessID := uuid.NewString()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)
	if _, err := models.CreateBusiness(ctx, &models.NewBusiness{
		ID:   businessID,
		Name: "Maker Test Kitchen",
	}); err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	return ctx, businessID
}

func unitByAbbreviation(t *testing.T, ctx context.Context, businessID, abbreviation string) *models.Unit {
	t.Helper()
	db := config.GetDB()
	var unit models.Unit
	if err := db.WithContext(ctx).
		Where("business_id = ? AND abbreviation = ?", businessID, abbreviation).
		First(&unit).Error; err != nil {
		t.Fatalf("fetch unit %q: %v", abbreviation, err)
	}
	return &unit
}

func mustCreateItem(t *testing.T, ctx context.Context, businessID, name string, kind models.ItemKind, unitID int) *models.InventoryItem {
	t.Helper()
	item, err := models.CreateInventoryItem(ctx, businessID, &models.NewInventoryItem{
		Name:   name,
		Kind:   kind,
		UnitId: unitID,
	})
	if err != nil {
		t.Fatalf("CreateInventoryItem(%s): %v", name, err)
	}
	return item
}

func mustRestock(t *testing.T, ctx context.Context, businessID string, itemID int, qty, cost int64, expiresAt *time.Time) *models.AdjustmentResult {
	t.Helper()
	unitCost := decimal.NewFromInt(cost)
	result, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     itemID,
		ChangeType: models.ChangeTypeRestock,
		Amount:     decimal.NewFromInt(qty),
		UnitCost:   &unitCost,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		t.Fatalf("restock item %d: %v", itemID, err)
	}
	return result
}

func lotSumForItem(t *testing.T, ctx context.Context, businessID string, itemID int) decimal.Decimal {
	t.Helper()
	db := config.GetDB()
	var sum decimal.NullDecimal
	if err := db.WithContext(ctx).Model(&models.InventoryLot{}).
		Where("business_id = ? AND item_id = ? AND source <> ?", businessID, itemID, models.LotSourceInfiniteAnchor).
		Select("COALESCE(SUM(qty_remaining_base), 0)").
		Scan(&sum).Error; err != nil {
		t.Fatalf("sum lots for item %d: %v", itemID, err)
	}
	if !sum.Valid {
		return decimal.Zero
	}
	return sum.Decimal
}

func requireConservation(t *testing.T, ctx context.Context, businessID string, itemID int) {
	t.Helper()
	item, err := models.GetInventoryItem(ctx, businessID, itemID)
	if err != nil {
		t.Fatalf("GetInventoryItem(%d): %v", itemID, err)
	}
	sum := lotSumForItem(t, ctx, businessID, itemID)
	if !sum.Equal(item.QuantityBase) {
		t.Fatalf("conservation broken for item %d: lot sum %s, cached %s", itemID, sum, item.QuantityBase)
	}
}

func TestAdjustmentLedgerLifecycle(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)

	gramUnit := unitByAbbreviation(t, ctx, businessID, "g")
	kiloUnit := unitByAbbreviation(t, ctx, businessID, "kg")

	oil := mustCreateItem(t, ctx, businessID, "Coconut Oil", models.ItemKindIngredient, gramUnit.ID)

	// Two receipts at different costs.
	first := mustRestock(t, ctx, businessID, oil.ID, 10000, 5, nil)
	if len(first.Events) != 1 || !first.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected one +10000 event; got %+v", first.Events)
	}
	if !strings.HasPrefix(first.Events[0].EventCode, "RST-") {
		t.Fatalf("expected RST event code; got %q", first.Events[0].EventCode)
	}
	mustRestock(t, ctx, businessID, oil.ID, 5000, 6, nil)
	requireConservation(t, ctx, businessID, oil.ID)

	// Deduct 12 kg: converted to 12000 g, drains the older lot then part of
	// the newer one.
	deduction, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeUse,
		Amount:     decimal.NewFromInt(12),
		UnitId:     kiloUnit.ID,
	})
	if err != nil {
		t.Fatalf("deduct 12kg: %v", err)
	}
	if len(deduction.Events) != 2 {
		t.Fatalf("expected deduction across 2 lots; got %d events", len(deduction.Events))
	}
	if !deduction.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(-10000)) ||
		!deduction.Events[1].QtyDeltaBase.Equal(decimal.NewFromInt(-2000)) {
		t.Fatalf("unexpected FIFO slices: %s / %s",
			deduction.Events[0].QtyDeltaBase, deduction.Events[1].QtyDeltaBase)
	}
	if deduction.Plan == nil || deduction.Plan.AvgUnitCost.String() != "5.1667" {
		t.Fatalf("expected blended avg cost 5.1667; got %+v", deduction.Plan)
	}
	if !deduction.Item.QuantityBase.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected cached quantity 3000; got %s", deduction.Item.QuantityBase)
	}
	requireConservation(t, ctx, businessID, oil.ID)

	// Availability is a projection, not a lock.
	availability, err := models.CheckAvailability(ctx, businessID, oil.ID, decimal.NewFromInt(2), kiloUnit.ID)
	if err != nil {
		t.Fatalf("CheckAvailability(2kg): %v", err)
	}
	if !availability.Sufficient || !availability.Available.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected 2kg to be available from 3000g; got %+v", availability)
	}
	availability, err = models.CheckAvailability(ctx, businessID, oil.ID, decimal.NewFromInt(5), kiloUnit.ID)
	if err != nil {
		t.Fatalf("CheckAvailability(5kg): %v", err)
	}
	if availability.Sufficient || !availability.Shortage.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected 2000g shortage; got %+v", availability)
	}

	// Recount deficit: counted 2500 against cached 3000 lands as a -500
	// correcting deduction, never an overwrite.
	recount, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeRecount,
		Amount:     decimal.NewFromInt(2500),
	})
	if err != nil {
		t.Fatalf("recount deficit: %v", err)
	}
	if len(recount.Events) == 0 || recount.Events[0].ChangeType != models.ChangeTypeRecount {
		t.Fatalf("expected recount events; got %+v", recount.Events)
	}
	if !recount.Item.QuantityBase.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("expected cached 2500 after recount; got %s", recount.Item.QuantityBase)
	}
	requireConservation(t, ctx, businessID, oil.ID)

	// Recount surplus: counted 4000 creates a recount-source lot for the
	// extra 1500.
	recount, err = models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeRecount,
		Amount:     decimal.NewFromInt(4000),
	})
	if err != nil {
		t.Fatalf("recount surplus: %v", err)
	}
	if len(recount.Events) != 1 || !recount.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("expected one +1500 recount event; got %+v", recount.Events)
	}
	db := config.GetDB()
	var surplusLot models.InventoryLot
	if err := db.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source = ?", businessID, oil.ID, models.LotSourceRecount).
		First(&surplusLot).Error; err != nil {
		t.Fatalf("expected recount-source lot: %v", err)
	}
	requireConservation(t, ctx, businessID, oil.ID)

	// Metadata edit: rename writes a zero-delta audit event.
	newName := "Virgin Coconut Oil"
	edit, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeMetadataEdit,
		Name:       &newName,
	})
	if err != nil {
		t.Fatalf("metadata edit: %v", err)
	}
	if len(edit.Events) != 1 || !edit.Events[0].QtyDeltaBase.IsZero() {
		t.Fatalf("expected one zero-delta edit event; got %+v", edit.Events)
	}
	if !edit.Item.QuantityBase.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("edit must not change quantity; got %s", edit.Item.QuantityBase)
	}

	// Cost override rewrites one lot's basis with an audit trail.
	newCost := decimal.NewFromInt(7)
	override, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeCostOverride,
		LotId:      &surplusLot.ID,
		UnitCost:   &newCost,
	})
	if err != nil {
		t.Fatalf("cost override: %v", err)
	}
	if len(override.Events) != 1 || override.Events[0].ChangeType != models.ChangeTypeCostOverride {
		t.Fatalf("expected cost-override event; got %+v", override.Events)
	}
	var rewritten models.InventoryLot
	if err := db.WithContext(ctx).First(&rewritten, surplusLot.ID).Error; err != nil {
		t.Fatalf("reload lot: %v", err)
	}
	if !rewritten.UnitCost.Equal(newCost) {
		t.Fatalf("expected lot cost 7; got %s", rewritten.UnitCost)
	}

	// Unit-convert re-expresses every lot and the cache consistently.
	convert, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeTypeUnitConvert,
		NewUnitId:  &kiloUnit.ID,
	})
	if err != nil {
		t.Fatalf("unit convert: %v", err)
	}
	if len(convert.Events) != 1 || convert.Events[0].ChangeType != models.ChangeTypeUnitConvert ||
		!convert.Events[0].QtyDeltaBase.IsZero() {
		t.Fatalf("expected one zero-delta unit-convert event; got %+v", convert.Events)
	}
	if convert.Item.UnitId != kiloUnit.ID {
		t.Fatalf("expected unit of record kg; got unit %d", convert.Item.UnitId)
	}
	if !convert.Item.QuantityBase.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected 4000 g to become 4 kg; got %s", convert.Item.QuantityBase)
	}
	if err := db.WithContext(ctx).First(&rewritten, surplusLot.ID).Error; err != nil {
		t.Fatalf("reload converted lot: %v", err)
	}
	if !rewritten.UnitCost.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("expected per-kg cost 7000; got %s", rewritten.UnitCost)
	}
	requireConservation(t, ctx, businessID, oil.ID)

	// History reads newest-first.
	history, err := models.ListItemHistory(ctx, businessID, oil.ID, 0)
	if err != nil {
		t.Fatalf("ListItemHistory: %v", err)
	}
	if len(history) < 6 {
		t.Fatalf("expected full event trail; got %d events", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID > history[i-1].ID {
			t.Fatalf("history not newest-first at index %d", i)
		}
	}

	// Unknown change types are rejected at the boundary.
	if _, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     oil.ID,
		ChangeType: models.ChangeType("shrinkage"),
		Amount:     decimal.NewFromInt(1),
	}); err == nil {
		t.Fatalf("expected unknown change type to be rejected")
	}
}

func TestDeductionExpiredLotPolicy(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)

	mlUnit := unitByAbbreviation(t, ctx, businessID, "ml")
	milk := mustCreateItem(t, ctx, businessID, "Whole Milk", models.ItemKindIngredient, mlUnit.ID)

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	mustRestock(t, ctx, businessID, milk.ID, 1000, 2, &yesterday)
	mustRestock(t, ctx, businessID, milk.ID, 500, 2, nil)

	// Default policy: the expired lot is invisible to deduction.
	_, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     milk.ID,
		ChangeType: models.ChangeTypeUse,
		Amount:     decimal.NewFromInt(600),
	})
	if !apperror.IsInsufficientInventory(err) {
		t.Fatalf("expected insufficient inventory with expired lot excluded; got %v", err)
	}
	appErr, _ := apperror.AsAppError(err)
	if appErr.Details["available"] != "500" {
		t.Fatalf("expected available=500; got %v", appErr.Details["available"])
	}

	// Per-request override widens the pool; the expired lot is older so FIFO
	// takes it first.
	result, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:         milk.ID,
		ChangeType:     models.ChangeTypeUse,
		Amount:         decimal.NewFromInt(600),
		IncludeExpired: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("deduct with include_expired: %v", err)
	}
	if len(result.Events) != 1 || !result.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(-600)) {
		t.Fatalf("expected -600 from the expired lot; got %+v", result.Events)
	}
	requireConservation(t, ctx, businessID, milk.ID)

	// A recount deficit walks the whole shelf; an explicit include_expired
	// false cannot narrow the pool, because the count already saw every lot.
	result, err = models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:         milk.ID,
		ChangeType:     models.ChangeTypeRecount,
		Amount:         decimal.NewFromInt(600),
		IncludeExpired: utils.NewFalse(),
	})
	if err != nil {
		t.Fatalf("recount deficit with include_expired=false: %v", err)
	}
	if len(result.Events) != 1 || !result.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(-300)) {
		t.Fatalf("expected -300 correction; got %+v", result.Events)
	}
	if got := cachedQty(t, ctx, businessID, milk.ID); !got.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected 600 after recount; got %s", got)
	}
	var expiredLot models.InventoryLot
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND expires_at IS NOT NULL", businessID, milk.ID).
		First(&expiredLot).Error; err != nil {
		t.Fatalf("load expired lot: %v", err)
	}
	if !expiredLot.QtyRemainingBase.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("deficit should drain the older expired lot first; remaining %s", expiredLot.QtyRemainingBase)
	}
	requireConservation(t, ctx, businessID, milk.ID)
}

func TestInfiniteModeAnchorsHistoryOnly(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)

	// Flip the tenant to non-tracking mode.
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&models.Business{}).
		Where("id = ?", businessID).
		Update("is_inventory_tracked", false).Error; err != nil {
		t.Fatalf("set non-tracking: %v", err)
	}
	if err := models.ClearBusinessCache(businessID); err != nil {
		t.Fatalf("clear business cache: %v", err)
	}

	pcUnit := unitByAbbreviation(t, ctx, businessID, "pc")
	napkins := mustCreateItem(t, ctx, businessID, "Napkins", models.ItemKindConsumable, pcUnit.ID)

	// Deduction never fails and never changes quantities.
	result, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     napkins.ID,
		ChangeType: models.ChangeTypeUse,
		Amount:     decimal.NewFromInt(250),
	})
	if err != nil {
		t.Fatalf("infinite-mode deduct: %v", err)
	}
	if len(result.Events) != 1 || !result.Events[0].QtyDeltaBase.Equal(decimal.NewFromInt(-250)) {
		t.Fatalf("expected one anchored -250 event; got %+v", result.Events)
	}

	var anchor models.InventoryLot
	if err := db.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source = ?", businessID, napkins.ID, models.LotSourceInfiniteAnchor).
		First(&anchor).Error; err != nil {
		t.Fatalf("expected anchor lot: %v", err)
	}
	if result.Events[0].LotId != anchor.ID {
		t.Fatalf("event should anchor on the infinite lot")
	}
	if !anchor.QtyRemainingBase.IsZero() {
		t.Fatalf("anchor lot must never hold quantity; got %s", anchor.QtyRemainingBase)
	}

	item, err := models.GetInventoryItem(ctx, businessID, napkins.ID)
	if err != nil {
		t.Fatalf("GetInventoryItem: %v", err)
	}
	if !item.QuantityBase.IsZero() {
		t.Fatalf("infinite mode must not track quantity; got %s", item.QuantityBase)
	}

	// Availability always says yes.
	availability, err := models.CheckAvailability(ctx, businessID, napkins.ID, decimal.NewFromInt(100000), 0)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if !availability.Sufficient {
		t.Fatalf("infinite mode should always be sufficient")
	}

	// Recount has no meaning without tracked quantities.
	if _, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     napkins.ID,
		ChangeType: models.ChangeTypeRecount,
		Amount:     decimal.NewFromInt(10),
	}); err == nil {
		t.Fatalf("expected recount to be rejected in infinite mode")
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("makerbooks-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("makerbooks-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=makerbooks_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

package models

import "errors"

// ChangeCategory groups change types by the ledger behavior they trigger.
type ChangeCategory string

const (
	ChangeCategoryAdditive  ChangeCategory = "Additive"
	ChangeCategoryDeductive ChangeCategory = "Deductive"
	ChangeCategoryEdit      ChangeCategory = "Edit"
	ChangeCategorySpecial   ChangeCategory = "Special"
)

// ChangeType is the closed set of inventory mutations. Every value maps to
// exactly one ChangeCategory; an unknown value is rejected at the boundary,
// it never falls through to a default behavior.
type ChangeType string

const (
	// additive
	ChangeTypeRestock          ChangeType = "restock"
	ChangeTypeInitialStock     ChangeType = "initial-stock"
	ChangeTypeProductionOutput ChangeType = "production-output"
	ChangeTypeReturn           ChangeType = "return"
	// deductive
	ChangeTypeUse         ChangeType = "use"
	ChangeTypeSale        ChangeType = "sale"
	ChangeTypeSpoil       ChangeType = "spoil"
	ChangeTypeTrash       ChangeType = "trash"
	ChangeTypeExpired     ChangeType = "expired"
	ChangeTypeDamaged     ChangeType = "damaged"
	ChangeTypeQualityFail ChangeType = "quality-fail"
	ChangeTypeSample      ChangeType = "sample"
	// edit
	ChangeTypeMetadataEdit ChangeType = "metadata-edit"
	// special
	ChangeTypeRecount      ChangeType = "recount"
	ChangeTypeCostOverride ChangeType = "cost-override"
	ChangeTypeUnitConvert  ChangeType = "unit-convert"
)

var changeCategories = map[ChangeType]ChangeCategory{
	ChangeTypeRestock:          ChangeCategoryAdditive,
	ChangeTypeInitialStock:     ChangeCategoryAdditive,
	ChangeTypeProductionOutput: ChangeCategoryAdditive,
	ChangeTypeReturn:           ChangeCategoryAdditive,
	ChangeTypeUse:              ChangeCategoryDeductive,
	ChangeTypeSale:             ChangeCategoryDeductive,
	ChangeTypeSpoil:            ChangeCategoryDeductive,
	ChangeTypeTrash:            ChangeCategoryDeductive,
	ChangeTypeExpired:          ChangeCategoryDeductive,
	ChangeTypeDamaged:          ChangeCategoryDeductive,
	ChangeTypeQualityFail:      ChangeCategoryDeductive,
	ChangeTypeSample:           ChangeCategoryDeductive,
	ChangeTypeMetadataEdit:     ChangeCategoryEdit,
	ChangeTypeRecount:          ChangeCategorySpecial,
	ChangeTypeCostOverride:     ChangeCategorySpecial,
	ChangeTypeUnitConvert:      ChangeCategorySpecial,
}

// event code prefixes, keyed by change type
var eventCodePrefixes = map[ChangeType]string{
	ChangeTypeRestock:          "RST",
	ChangeTypeInitialStock:     "INI",
	ChangeTypeProductionOutput: "OUT",
	ChangeTypeReturn:           "RTN",
	ChangeTypeUse:              "USE",
	ChangeTypeSale:             "SAL",
	ChangeTypeSpoil:            "SPL",
	ChangeTypeTrash:            "TRS",
	ChangeTypeExpired:          "EXP",
	ChangeTypeDamaged:          "DMG",
	ChangeTypeQualityFail:      "QFL",
	ChangeTypeSample:           "SMP",
	ChangeTypeMetadataEdit:     "EDT",
	ChangeTypeRecount:          "RCT",
	ChangeTypeCostOverride:     "CST",
	ChangeTypeUnitConvert:      "UCV",
}

func (t ChangeType) Valid() bool {
	_, ok := changeCategories[t]
	return ok
}

func (t ChangeType) Category() (ChangeCategory, error) {
	category, ok := changeCategories[t]
	if !ok {
		return "", errors.New("invalid change type: " + string(t))
	}
	return category, nil
}

func (t ChangeType) EventCodePrefix() string {
	prefix, ok := eventCodePrefixes[t]
	if !ok {
		return "EVT"
	}
	return prefix
}

type ItemKind string

const (
	ItemKindIngredient ItemKind = "ingredient"
	ItemKindContainer  ItemKind = "container"
	ItemKindConsumable ItemKind = "consumable"
	ItemKindProduct    ItemKind = "product"
)

func (k ItemKind) Valid() bool {
	switch k {
	case ItemKindIngredient, ItemKindContainer, ItemKindConsumable, ItemKindProduct:
		return true
	}
	return false
}

type LotSource string

const (
	LotSourcePurchase         LotSource = "purchase"
	LotSourceProductionOutput LotSource = "production-output"
	LotSourceInitialStock     LotSource = "initial-stock"
	LotSourceRecount          LotSource = "recount"
	// LotSourceInfiniteAnchor marks the single placeholder lot of an item
	// whose tenant plan does not track quantity. Excluded from FIFO and
	// from the conservation invariant.
	LotSourceInfiniteAnchor LotSource = "infinite-anchor"
)

type BatchStatus string

const (
	BatchStatusPlanned    BatchStatus = "planned"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusFailed     BatchStatus = "failed"
)

// CanTransitionTo encodes the batch state machine:
// planned -> in_progress -> {completed, cancelled, failed}.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchStatusPlanned:
		return next == BatchStatusInProgress
	case BatchStatusInProgress:
		return next == BatchStatusCompleted || next == BatchStatusCancelled || next == BatchStatusFailed
	}
	return false
}

type UnitDimension string

const (
	UnitDimensionMass   UnitDimension = "mass"
	UnitDimensionVolume UnitDimension = "volume"
	UnitDimensionCount  UnitDimension = "count"
	UnitDimensionCustom UnitDimension = "custom"
)

type RecipeLineKind string

const (
	RecipeLineKindIngredient RecipeLineKind = "ingredient"
	RecipeLineKindConsumable RecipeLineKind = "consumable"
)

// LedgerReferenceType classifies outbox feed records.
type LedgerReferenceType string

const (
	LedgerReferenceTypeAdjustment LedgerReferenceType = "ADJ"
	LedgerReferenceTypeBatch      LedgerReferenceType = "BTC"
	LedgerReferenceTypeItem       LedgerReferenceType = "ITM"
)

type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "C"
	PubSubMessageActionUpdate PubSubMessageAction = "U"
	PubSubMessageActionDelete PubSubMessageAction = "D"
)

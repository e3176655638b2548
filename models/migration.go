package models

import (
	"log"

	"bitbucket.org/craftfocus/makerbooks_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{},
		&Unit{}, &ItemUnitMapping{},
		&InventoryItem{}, &InventoryLot{}, &InventoryHistory{},
		&Recipe{}, &RecipeLine{}, &RecipeContainer{},
		&Batch{}, &BatchLineItem{},
		&IdempotencyKey{},
		&PubSubMessageRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

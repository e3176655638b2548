package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/google/uuid"
)

// seed-tenant creates a business row and its standard unit catalog. Intended
// for dev setup and onboarding scripts.
func main() {
	businessID := flag.String("business-id", "", "Optional: business id (uuid, generated when empty)")
	name := flag.String("name", "", "Required: business name")
	timezone := flag.String("timezone", "UTC", "Optional: IANA timezone")
	noTracking := flag.Bool("no-tracking", false, "Create the tenant in infinite (non-tracking) mode")
	deductExpired := flag.Bool("deduct-expired", false, "Deductions include expired lots by default")
	printToken := flag.Bool("print-token", false, "Print an admin JWT for the new tenant (dev use)")
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		os.Exit(1)
	}
	id := strings.TrimSpace(*businessID)
	if id == "" {
		id = uuid.NewString()
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	tracked := utils.NewTrue()
	if *noTracking {
		tracked = utils.NewFalse()
	}
	ctx := utils.SetBusinessIdInContext(context.Background(), id)
	business, err := models.CreateBusiness(ctx, &models.NewBusiness{
		ID:                 id,
		Name:               strings.TrimSpace(*name),
		Timezone:           *timezone,
		IsInventoryTracked: tracked,
		DeductExpiredLots:  deductExpired,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create business: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("business created id=%s name=%q tracked=%t\n", business.ID, business.Name, business.TracksInventory())

	if *printToken {
		token, err := utils.JwtGenerate(1, business.ID, "admin")
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("token=%s\n", token)
	}
}

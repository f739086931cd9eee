package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
)

// seed-admin bootstraps a fresh deployment: it creates an organization and
// its first admin user. Run once per environment.
//
//	go run ./cmd/seed-admin -org "Acme Voice" -username admin -password secret
func main() {
	godotenv.Load()

	orgName := flag.String("org", "", "organization name")
	username := flag.String("username", "", "admin username")
	name := flag.String("name", "Administrator", "display name")
	password := flag.String("password", "", "admin password (or set SEED_ADMIN_PASSWORD)")
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("SEED_ADMIN_PASSWORD")
	}
	if *orgName == "" || *username == "" || *password == "" {
		log.Fatal("org, username and password are required")
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	models.MigrateTable()

	ctx := context.Background()

	org := models.Organization{Name: *orgName, IsActive: utils.NewTrue()}
	if err := db.WithContext(ctx).Create(&org).Error; err != nil {
		log.Fatalf("create organization: %v", err)
	}

	hashed, err := utils.HashPassword(*password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	user := models.User{
		OrganizationId: org.ID.String(),
		Username:       *username,
		Name:           *name,
		Password:       string(hashed),
		IsActive:       utils.NewTrue(),
		Role:           models.UserRoleAdmin,
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		log.Fatalf("create admin user: %v", err)
	}

	log.Printf("seeded organization %s (%s) with admin %s", org.Name, org.ID, user.Username)
}

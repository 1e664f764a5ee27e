package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/database"
	"github.com/josernestodavila/the-eye/internal/models"
	"github.com/josernestodavila/the-eye/internal/repositories"
)

var (
	applicationName string
	tokenExpiryDays int
)

var applicationCmd = &cobra.Command{
	Use:   "application",
	Short: "Manage client applications",
	Long:  `Create client applications and issue their API tokens.`,
}

var createApplicationCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an application and issue an API token",
	RunE:  runCreateApplication,
}

func init() {
	rootCmd.AddCommand(applicationCmd)
	applicationCmd.AddCommand(createApplicationCmd)

	createApplicationCmd.Flags().StringVarP(&applicationName, "name", "n", "", "Name of the application (required)")
	createApplicationCmd.Flags().IntVarP(&tokenExpiryDays, "expiration", "e", 0, "Token expiration in days (0 for never)")
	createApplicationCmd.MarkFlagRequired("name")
}

// generateSecureKey generates a secure random API token key
func generateSecureKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func runCreateApplication(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	appRepo := repositories.NewApplicationRepository(db)
	ctx := context.Background()

	application := &models.Application{
		ID:     uuid.New(),
		Name:   applicationName,
		Active: true,
	}

	if err := appRepo.Create(ctx, application); err != nil {
		return errors.Wrap(err, "failed to create application")
	}

	key, err := generateSecureKey(32)
	if err != nil {
		return errors.Wrap(err, "failed to generate API token")
	}

	token := &models.APIToken{
		ID:            uuid.New(),
		Key:           key,
		ApplicationID: application.ID,
	}

	if tokenExpiryDays > 0 {
		expiresAt := time.Now().AddDate(0, 0, tokenExpiryDays)
		token.ExpiresAt = &expiresAt
	}

	if err := appRepo.CreateToken(ctx, token); err != nil {
		return errors.Wrap(err, "failed to create API token")
	}

	fmt.Printf("Application created\n")
	fmt.Printf("  ID:    %s\n", application.ID)
	fmt.Printf("  Name:  %s\n", application.Name)
	fmt.Printf("  Token: %s\n", key)
	if token.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

// Command pg-test is a connectivity smoke check for the PostgreSQL layer:
// it connects with the normal env config, writes one throwaway process record
// with a couple of history transitions, reads them back and cleans up.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/green-carpenter-bee/internal/db"
)

func main() {
	godotenv.Load(".env.local", ".env")

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Info().Msg("Testing PostgreSQL connection")

	ctx := context.Background()
	database, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.Close()

	log.Info().Msg("Successfully connected to PostgreSQL")

	processID := uuid.New().String()
	now := time.Now().UTC()

	err = database.InsertProcess(ctx, &db.ProcessRecord{
		ID:         processID,
		Name:       "pg-test-smoke",
		Status:     "pending",
		TotalTasks: 1,
		CreatedAt:  now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to insert test process")
	}
	log.Info().Str("process_id", processID).Msg("Inserted test process")

	for _, transition := range []struct{ from, to string }{
		{"pending", "ready"},
		{"ready", "running"},
		{"running", "completed"},
	} {
		err = database.RecordTransition(ctx, &db.Transition{
			ProcessID: processID,
			TaskID:    "smoke",
			FromState: transition.from,
			ToState:   transition.to,
			Attempt:   1,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to record transition")
		}
	}

	transitions, err := database.ListTransitions(ctx, processID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list transitions")
	}
	log.Info().Int("transitions", len(transitions)).Msg("Read back history")

	rec, err := database.GetProcessRecord(ctx, processID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read back process")
	}
	log.Info().Str("status", rec.Status).Msg("Read back process record")

	// History is append-only; only the throwaway process row is removed.
	if _, err := database.GetDB().ExecContext(ctx, "DELETE FROM processes WHERE id = $1", processID); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up test process")
	}

	log.Info().Msg("PostgreSQL smoke check passed")
}

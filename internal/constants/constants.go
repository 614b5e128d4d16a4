// Package constants is responsible for defining the constants used in the application.
// It also provides the default state paths for the listener.
package constants

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// ListenerCmdName is the name of the attendance listener command.
	ListenerCmdName = "zkteco-listener"

	// CleanupCmdName is the name of the attendance cleanup command.
	CleanupCmdName = "attendance-cleanup"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Listener constants.
const (
	// DefaultStateFolder is the name of the default root folder for listener state.
	DefaultStateFolder = "zkteco-listener"

	// DefaultJournalFolder is the name of the journal folder for forwarded events.
	DefaultJournalFolder = "journal"

	// DefaultWebhookURL is the endpoint attendance events are forwarded to.
	DefaultWebhookURL = "https://n8n.pfpintranet.com/webhook-test/c70ded1f-e6e4-4cb2-8038-4407e733a546"
)

// Attendance database constants.
const (
	// DefaultDeviceTable is the fully qualified terminal inventory table.
	DefaultDeviceTable = "[EmpBook_db].[dbo].[Device]"

	// DefaultAttendanceTable is the fully qualified attendance log table.
	// The misspelling is part of the production schema.
	DefaultAttendanceTable = "[EmpBook_db].[dbo].[TimeAttandanceLog]"

	// DefaultShiftView is the fully qualified planned shift view.
	DefaultShiftView = "[db_pfpdashboard].[dbo].[VListPeriodEmployee]"

	// CleanupStamp is written to IPStampOut when a row is closed automatically.
	CleanupStamp = "AUTO_CLEANUP"
)

// Listener variables.
var (
	// DefaultStateDir is the default state directory for the listener.
	DefaultStateDir = DefaultStateFolder

	// DefaultJournalDir is the default directory for forwarded event journals.
	DefaultJournalDir = filepath.Join(DefaultStateDir, DefaultJournalFolder)
)

func init() {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("Could not fetch cache directory: %v", err))
	}

	DefaultStateDir = filepath.Join(userCacheDir, DefaultStateFolder)
	DefaultJournalDir = filepath.Join(DefaultStateDir, DefaultJournalFolder)
}

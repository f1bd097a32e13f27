package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"attendance_notifier/internal/app"
	"attendance_notifier/internal/domain/attendance"
	"attendance_notifier/internal/infra/config"
	idb "attendance_notifier/internal/infra/database"
	"attendance_notifier/internal/infra/logger"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	cfg       *config.AppConfig
	db        *sql.DB
	scanDB    *sql.DB
	transfers *app.TransferService
	mappings  *app.MappingService
	notifier  *app.NotificationService
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sync [-start RFC3339] [-end RFC3339] [-batch N] [-policy skip|update|error] [-test] - ingest scan events")
	fmt.Println("  preview [-start RFC3339] [-end RFC3339] [-batch N] [-policy skip|update|error]      - dry-run a sync, no writes")
	fmt.Println("  automap                                                                             - map pins to students by card id")
	fmt.Println("  assign -pin PIN -student ID                                                         - map a pin to a student manually")
	fmt.Println("  unassign -pin PIN                                                                   - retire a pin mapping")
	fmt.Println("  sendtest -student ID [-contact ADDRESS]                                             - queue a test notification")
	fmt.Println("  install                                                                             - create the database schema")
	fmt.Println("  uninstall -confirm                                                                  - drop the database schema")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "sync", "preview":
		return cli.runSync(ctx, args[1], args[2:])
	case "automap":
		created, err := cli.mappings.AutoMap(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("created %d mappings\n", created)
		return nil
	case "assign":
		return cli.runAssign(ctx, args[2:])
	case "unassign":
		return cli.runUnassign(ctx, args[2:])
	case "sendtest":
		return cli.runSendTest(ctx, args[2:])
	case "install":
		if err := idb.Install(ctx, cli.db); err != nil {
			return err
		}
		fmt.Println("schema installed")
		return nil
	case "uninstall":
		return cli.runUninstall(ctx, args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) runSync(ctx context.Context, name string, args []string) error {
	cmd := flag.NewFlagSet(name, flag.ExitOnError)
	start := cmd.String("start", "", "Window start, RFC3339. Defaults to just after the last successful run.")
	end := cmd.String("end", "", "Window end, RFC3339. Defaults to now.")
	batch := cmd.Int("batch", 0, "Batch size override.")
	policy := cmd.String("policy", "", "Duplicate handling: skip, update or error.")
	testMode := cmd.Bool("test", false, "Ingest without queueing notifications.")
	if err := cmd.Parse(args); err != nil {
		return err
	}

	opts, err := cli.transfers.AutoWindow(ctx)
	if err != nil {
		return err
	}
	if *start != "" {
		if opts.WindowStart, err = time.Parse(time.RFC3339, *start); err != nil {
			return fmt.Errorf("invalid -start: %w", err)
		}
	}
	if *end != "" {
		if opts.WindowEnd, err = time.Parse(time.RFC3339, *end); err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
	}
	if *batch > 0 {
		opts.BatchSize = *batch
	}
	if *policy != "" {
		if opts.Policy, err = attendance.ParseDuplicatePolicy(*policy); err != nil {
			return err
		}
	}
	opts.TestMode = *testMode

	if name == "preview" {
		counts, err := cli.transfers.Preview(ctx, opts)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"preview": true, "counts": counts})
	}

	run, err := cli.transfers.Run(ctx, opts)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
		"counts": run.Counts(),
	})
}

func (cli *commandLine) runAssign(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("assign", flag.ExitOnError)
	pin := cmd.String("pin", "", "Device pin.")
	student := cmd.Int64("student", 0, "Student id.")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if *pin == "" || *student == 0 {
		cmd.Usage()
		return errHelp
	}
	m, err := cli.mappings.Assign(ctx, *pin, *student, "manual")
	if err != nil {
		return err
	}
	fmt.Printf("pin %s mapped to student %d\n", m.DevicePin, m.StudentID)
	return nil
}

func (cli *commandLine) runUnassign(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("unassign", flag.ExitOnError)
	pin := cmd.String("pin", "", "Device pin.")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if *pin == "" {
		cmd.Usage()
		return errHelp
	}
	if err := cli.mappings.Deactivate(ctx, *pin); err != nil {
		return err
	}
	fmt.Printf("mapping for pin %s deactivated\n", *pin)
	return nil
}

func (cli *commandLine) runSendTest(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("sendtest", flag.ExitOnError)
	student := cmd.Int64("student", 0, "Student id.")
	contact := cmd.String("contact", "", "Contact address. Defaults to the student's primary contact.")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if *student == 0 {
		cmd.Usage()
		return errHelp
	}
	attempt, err := cli.notifier.SendTest(ctx, *student, *contact)
	if err != nil {
		return err
	}
	fmt.Printf("queued attempt %d to %s\n", attempt.ID, attempt.Contact)
	return nil
}

func (cli *commandLine) runUninstall(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("uninstall", flag.ExitOnError)
	confirm := cmd.Bool("confirm", false, "Really drop all tables.")
	if err := cmd.Parse(args); err != nil {
		return err
	}
	if !*confirm {
		return errors.New("uninstall drops all tables; pass -confirm to proceed")
	}
	if err := idb.Uninstall(ctx, cli.db); err != nil {
		return err
	}
	fmt.Println("schema removed")
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg)
	log := logger.Get().WithField("component", "admin")

	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	scanDB := db
	if cfg.ScanDatabaseURL != cfg.DatabaseURL {
		if scanDB, err = idb.NewPostgresConnection(cfg.ScanDatabaseURL); err != nil {
			fmt.Fprintf(os.Stderr, "scan database error: %v\n", err)
			os.Exit(1)
		}
		defer scanDB.Close()
	}

	scanSource := idb.NewPostgresScanSource(scanDB)
	recordRepo := idb.NewPostgresAttendanceRepository(db)
	runRepo := idb.NewPostgresTransferLog(db)
	rosterRepo := idb.NewPostgresRosterRepository(db)
	mappingRepo := idb.NewPostgresMappingRepository(db)
	queue := idb.NewPostgresDispatchQueue(db, cfg.RetryCeiling)

	mappingService := app.NewMappingService(mappingRepo, rosterRepo, scanSource, log)
	notificationService := app.NewNotificationService(
		rosterRepo, recordRepo, queue,
		app.DefaultTemplates(), cfg.SchoolName, cfg.SchoolPhone, log)
	transferService := app.NewTransferService(
		scanSource, recordRepo, runRepo,
		mappingService, notificationService, nil, cfg.Schedule,
		cfg.BatchSize, cfg.DuplicatePolicy, log)

	cli := &commandLine{
		cfg:       cfg,
		db:        db,
		scanDB:    scanDB,
		transfers: transferService,
		mappings:  mappingService,
		notifier:  notificationService,
	}

	if err := cli.run(context.Background(), os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

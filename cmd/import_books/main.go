package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"library-catalog/catalog"
	"library-catalog/cli"
	"library-catalog/config"
	"library-catalog/guard"
	"library-catalog/library"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flags config.Flags
		file  string
	)
	flags.AddFlags(pflag.CommandLine)
	pflag.StringVarP(&file, "file", "f", "catalogue.jsonc", "JSONC file with an array of books")
	pflag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	logger, err := cli.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	app, err := cli.NewApp(cli.Options{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session: %v\n", err)
		return 1
	}
	defer app.Close()

	ctx := context.Background()
	if app.Session.Authenticated() {
		if _, err := app.Session.EnsureUser(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", library.UserMessage(err, "Failed to load profile"))
			return 1
		}
	}
	if decision := app.Guard.Check(guard.PathAdmin); !decision.Allowed {
		if decision.Reason == guard.ReasonUnauthenticated {
			fmt.Fprintln(os.Stderr, "Please log in as an administrator first: run 'library login'.")
		} else {
			fmt.Fprintln(os.Stderr, "Importing books requires an administrator account.")
		}
		return 1
	}

	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading catalogue: %v\n", err)
		return 1
	}
	entries, err := catalog.ParseCatalogue(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Importing %d books from %s...\n", len(entries), file)

	var imported []library.Book
	errorCount := 0
	app.Catalog.Import(ctx, entries, func(r catalog.ImportResult) {
		fmt.Printf("Importing: %s by %s... ", r.Entry.Title, r.Entry.Author)
		if r.Err != nil {
			fmt.Printf("ERROR - %s\n", library.UserMessage(r.Err, "Failed to add book"))
			errorCount++
			return
		}
		fmt.Printf("SUCCESS (ID: %s)\n", r.Book.ID)
		imported = append(imported, r.Book)
	})

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books\n", len(imported))
	fmt.Printf("Errors: %d\n", errorCount)

	if len(imported) > 0 {
		fmt.Println("\nImported books:")
		fmt.Printf("%-36s %-50s %-30s\n", "ID", "Title", "Author")
		fmt.Println(strings.Repeat("-", 118))
		for _, book := range imported {
			fmt.Printf("%-36s %-50s %-30s\n", book.ID, cli.TruncateString(book.Title, 50), cli.TruncateString(book.Author, 30))
		}
	}
	if errorCount > 0 {
		return 1
	}
	return 0
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"library-catalog/config"
	"library-catalog/guard"
	"library-catalog/library"
)

// Streams are the standard streams a command runs against.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// root carries state shared by every command of one invocation.
type root struct {
	flags config.Flags
	app   *App
}

// Run executes the command line args and returns the process exit code.
func Run(ctx context.Context, args []string, streams Streams) int {
	r := &root{}
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetIn(streams.In)
	cmd.SetOut(streams.Out)
	cmd.SetErr(streams.Err)

	err := cmd.ExecuteContext(ctx)
	if r.app != nil {
		if closeErr := r.app.Close(); closeErr != nil {
			fmt.Fprintf(streams.Err, "Error closing session storage: %v\n", closeErr)
		}
	}
	if err == nil {
		return 0
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	fmt.Fprintf(streams.Err, "Error: %v\n", err)
	return 1
}

func (r *root) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "library",
		Short:         "Browse and reserve books from the library catalogue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.open(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.app.renderHome(cmd.Context())
		},
	}
	r.flags.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		r.loginCommand(),
		r.signupCommand(),
		r.logoutCommand(),
		r.whoamiCommand(),
		r.homeCommand(),
		r.booksCommand(),
		r.bookCommand(),
		r.reserveCommand(),
		r.profileCommand(),
		r.adminCommand(),
		r.shellCommand(),
	)
	return cmd
}

func (r *root) open(cmd *cobra.Command) error {
	cfg, err := r.flags.Load()
	if err != nil {
		return err
	}
	logger, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	r.app, err = NewApp(Options{
		Config: cfg,
		Logger: logger,
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
	})
	return err
}

// ---------------------------------------------------------------------------
// Session commands
// ---------------------------------------------------------------------------

func (r *root) loginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login [username]",
		Short: "Log in and remember the session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var username string
			if len(args) == 1 {
				username = args[0]
			}
			return r.app.login(cmd.Context(), username)
		},
	}
}

func (r *root) signupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create a member account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.app.signup(cmd.Context())
		},
	}
}

func (r *root) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r.app.logout()
			return nil
		},
	}
}

func (r *root) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.app.whoami(cmd.Context())
		},
	}
}

// ---------------------------------------------------------------------------
// Catalogue commands
// ---------------------------------------------------------------------------

func (r *root) homeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Show featured books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.PathHome); !ok {
				return err
			}
			return r.app.renderHome(ctx)
		},
	}
}

func (r *root) booksCommand() *cobra.Command {
	var filter library.Filter
	cmd := &cobra.Command{
		Use:   "books",
		Short: "Browse the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.PathBooks); !ok {
				return err
			}
			return r.app.renderBooks(ctx, filter)
		},
	}
	cmd.Flags().StringVarP(&filter.Query, "search", "s", "", "match title or author")
	cmd.Flags().StringVarP(&filter.Category, "category", "c", "", "only books in this category")

	cmd.AddCommand(&cobra.Command{
		Use:   "categories",
		Short: "List the categories in the catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.PathBooks); !ok {
				return err
			}
			return r.app.renderCategories(ctx)
		},
	})
	return cmd
}

func (r *root) bookCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "book <id>",
		Short: "Show one book with its availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.BookPath(args[0])); !ok {
				return err
			}
			view, err := r.app.openBook(ctx, args[0])
			if err != nil {
				return err
			}
			defer view.Close()
			r.app.renderBook(view)
			return nil
		},
	}
}

func (r *root) reserveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <id>",
		Short: "Reserve a copy of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.BookPath(args[0])); !ok {
				return err
			}
			view, err := r.app.openBook(ctx, args[0])
			if err != nil {
				return err
			}
			defer view.Close()
			_, err = r.app.reserve(ctx, view)
			return err
		},
	}
}

func (r *root) profileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your profile and reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ok, err := r.app.enter(ctx, guard.PathProfile); !ok {
				return err
			}
			return r.app.renderProfile(ctx)
		},
	}
}

// ---------------------------------------------------------------------------
// Admin commands
// ---------------------------------------------------------------------------

// adminRunE wraps fn with the admin route check.
func (r *root) adminRunE(fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ok, err := r.app.enter(ctx, guard.PathAdmin); !ok {
			return err
		}
		return fn(ctx, args)
	}
}

func (r *root) adminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Library administration",
		Args:  cobra.NoArgs,
		RunE: r.adminRunE(func(ctx context.Context, args []string) error {
			return r.app.renderAdmin(ctx)
		}),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "books",
			Short: "List every book",
			Args:  cobra.NoArgs,
			RunE: r.adminRunE(func(ctx context.Context, args []string) error {
				return r.app.renderAdminBooks(ctx)
			}),
		},
		&cobra.Command{
			Use:   "reservations",
			Short: "List every reservation",
			Args:  cobra.NoArgs,
			RunE: r.adminRunE(func(ctx context.Context, args []string) error {
				return r.app.renderAdminReservations(ctx)
			}),
		},
		r.addBookCommand(),
		r.updateBookCommand(),
		r.deleteBookCommand(),
		&cobra.Command{
			Use:   "return <reservation-id>",
			Short: "Mark a reservation returned",
			Args:  cobra.ExactArgs(1),
			RunE: r.adminRunE(func(ctx context.Context, args []string) error {
				return r.app.returnReservation(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "cancel <reservation-id>",
			Short: "Cancel an active reservation",
			Args:  cobra.ExactArgs(1),
			RunE: r.adminRunE(func(ctx context.Context, args []string) error {
				return r.app.cancelReservation(ctx, args[0])
			}),
		},
	)
	return cmd
}

func (r *root) addBookCommand() *cobra.Command {
	var (
		payload    library.NewBook
		categories string
	)
	cmd := &cobra.Command{
		Use:   "add-book",
		Short: "Add a book to the catalogue",
		Args:  cobra.NoArgs,
		RunE: r.adminRunE(func(ctx context.Context, args []string) error {
			payload.Categories = splitCategories(categories)
			return r.app.addBook(ctx, payload)
		}),
	}
	flags := cmd.Flags()
	flags.StringVar(&payload.Title, "title", "", "book title (required)")
	flags.StringVar(&payload.Author, "author", "", "book author (required)")
	flags.StringVar(&categories, "categories", "", "comma-separated categories")
	flags.IntVar(&payload.TotalCopies, "copies", 1, "total copies")
	flags.StringVar(&payload.Description, "description", "", "description")
	flags.StringVar(&payload.ISBN, "isbn", "", "ISBN")
	flags.IntVar(&payload.PublicationYear, "year", 0, "publication year")
	flags.StringVar(&payload.CoverImageURL, "cover", "", "cover image URL")
	return cmd
}

func (r *root) updateBookCommand() *cobra.Command {
	var (
		fields     library.NewBook
		categories string
		available  int
	)
	cmd := &cobra.Command{
		Use:   "update-book <id>",
		Short: "Change details of a book",
		Long:  "Change details of a book. Only the flags given are changed.",
		Args:  cobra.ExactArgs(1),
	}
	flags := cmd.Flags()
	flags.StringVar(&fields.Title, "title", "", "book title")
	flags.StringVar(&fields.Author, "author", "", "book author")
	flags.StringVar(&categories, "categories", "", "comma-separated categories")
	flags.IntVar(&fields.TotalCopies, "copies", 0, "total copies")
	flags.IntVar(&available, "available", 0, "available copies")
	flags.StringVar(&fields.Description, "description", "", "description")
	flags.StringVar(&fields.ISBN, "isbn", "", "ISBN")
	flags.IntVar(&fields.PublicationYear, "year", 0, "publication year")
	flags.StringVar(&fields.CoverImageURL, "cover", "", "cover image URL")

	cmd.RunE = r.adminRunE(func(ctx context.Context, args []string) error {
		return r.app.updateBook(ctx, args[0], func(b *library.NewBook) {
			if flags.Changed("title") {
				b.Title = fields.Title
			}
			if flags.Changed("author") {
				b.Author = fields.Author
			}
			if flags.Changed("categories") {
				b.Categories = splitCategories(categories)
			}
			if flags.Changed("copies") {
				b.TotalCopies = fields.TotalCopies
			}
			if flags.Changed("available") {
				b.AvailableCopies = &available
			}
			if flags.Changed("description") {
				b.Description = fields.Description
			}
			if flags.Changed("isbn") {
				b.ISBN = fields.ISBN
			}
			if flags.Changed("year") {
				b.PublicationYear = fields.PublicationYear
			}
			if flags.Changed("cover") {
				b.CoverImageURL = fields.CoverImageURL
			}
		})
	})
	return cmd
}

func (r *root) deleteBookCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-book <id>",
		Short: "Remove a book from the catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: r.adminRunE(func(ctx context.Context, args []string) error {
			return r.app.deleteBook(ctx, args[0], yes)
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (r *root) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.app.Shell(cmd.Context())
		},
	}
}

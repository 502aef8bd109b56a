package ctrlc

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/management"
	"github.com/lab5e/ringfunk/pkg/toolbox"
)

const watchInterval = 500 * time.Millisecond

// MigrationsCommand is the command to inspect and abort migrations
type MigrationsCommand struct {
	List   listMigrationsCommand  `kong:"cmd,help='List migrations'"`
	Show   showMigrationCommand   `kong:"cmd,help='Show a single migration'"`
	Abort  abortMigrationCommand  `kong:"cmd,help='Abort a migration'"`
	States migrationStatesCommand `kong:"cmd,help='Print the migration state diagram in dot format'"`
}

type listMigrationsCommand struct {
}

func (c *listMigrationsCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	plans, err := client.Migrations(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing migrations: %v\n", err)
		return errStd
	}
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintf(table, "Plan ID\tKind\tState\tVersions\tRanges\tMoved\tStarted\n")
	for _, p := range plans {
		fmt.Fprintf(table, "%s\t%s\t%s\t%d -> %d\t%d\t%5.1f%%\t%s\n",
			p.ID, p.Kind, p.State, p.SourceVersion, p.TargetVersion, len(p.Moves),
			p.MovedFraction*100.0, p.Started.Format(time.RFC3339))
	}
	table.Flush()
	return nil
}

type showMigrationCommand struct {
	ID    string `kong:"arg,required,help='Plan ID'"`
	Watch bool   `kong:"help='Watch the migration until it completes',short='W'"`
}

func printPlan(p rebalance.PlanStatus) {
	fmt.Printf("Plan ID:   %s\n", p.ID)
	fmt.Printf("Kind:      %s\n", p.Kind)
	fmt.Printf("State:     %s\n", p.State)
	fmt.Printf("Versions:  %d -> %d (%d re-plans)\n", p.SourceVersion, p.TargetVersion, p.Replans)
	fmt.Printf("Moved:     %5.1f%% of the ring\n", p.MovedFraction*100.0)
	fmt.Printf("Progress:  %d copied, %d verified of %d ranges\n", p.Copied, p.Verified, len(p.Moves))
	for _, e := range p.Errors {
		fmt.Printf("Error:     %s\n", e)
	}
	if len(p.Moves) == 0 {
		return
	}
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintf(table, "\nRange\tFrom\tTo\tState\tKeys\tAttempts\n")
	for _, m := range p.Moves {
		fmt.Fprintf(table, "(%016x, %016x]\t%s\t%s\t%s\t%d\t%d\n",
			m.Range.Start, m.Range.End, m.From, m.To, m.State, m.Keys, m.Attempts)
	}
	table.Flush()
}

func (c *showMigrationCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	if c.Watch {
		return watchMigration(client, c.ID)
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	p, err := client.Migration(ctx, c.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving migration: %v\n", err)
		return errStd
	}
	printPlan(p)
	return nil
}

// watchMigration polls the migration and shows a progress bar until it
// completes. Each range counts twice; once when copied and once when
// verified.
func watchMigration(client *management.Client, id string) error {
	progress := toolbox.ConsoleProgress{Out: os.Stdout, Label: id}
	for {
		ctx, done := context.WithTimeout(context.Background(), defaultTimeout*time.Second)
		p, err := client.Migration(ctx, id)
		done()
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nError retrieving migration: %v\n", err)
			return errStd
		}
		progress.Max = 2 * len(p.Moves)
		progress.Print(p.Copied + p.Verified)
		if p.State.Terminal() {
			fmt.Println()
			printPlan(p)
			if p.State != rebalance.Done {
				return errStd
			}
			return nil
		}
		time.Sleep(watchInterval)
	}
}

type abortMigrationCommand struct {
	ID string `kong:"arg,required,help='Plan ID'"`
}

func (c *abortMigrationCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	p, err := client.Abort(ctx, c.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error aborting migration: %v\n", err)
		return errStd
	}
	fmt.Printf("Migration %s is %s\n", p.ID, p.State)
	return nil
}

type migrationStatesCommand struct {
}

func (c *migrationStatesCommand) Run(args RunContext) error {
	rebalance.WriteStateDiagram(os.Stdout)
	return nil
}

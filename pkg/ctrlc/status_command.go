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
	"fmt"
	"os"
	"text/tabwriter"
)

// StatusCommand shows the router status
type StatusCommand struct {
}

// Run executes the status command
func (c *StatusCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()

	res, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving status: %v\n", err)
		return errStd
	}
	fmt.Printf("Node ID:      %s\n", res.NodeID)
	fmt.Printf("Status:       %s\n", res.Status)
	fmt.Printf("Directory:    version %d\n", res.Version)
	fmt.Printf("Shards:       %d\n", res.Shards)
	if res.ActiveMigration != "" {
		fmt.Printf("Migration:    %s\n", res.ActiveMigration)
	}
	return nil
}

// DirectoryCommand shows the current directory
type DirectoryCommand struct {
}

// Run executes the directory command
func (c *DirectoryCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()

	res, err := client.Directory(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving directory: %v\n", err)
		return errStd
	}

	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintf(table, "Shard ID\tEndpoint\tWeight\tHealth\tEpoch\tVNodes\tOwned\tRequests\n")
	for _, v := range res.Shards {
		fmt.Fprintf(table, "%s\t%s\t%d\t%s\t%d\t%d\t%5.1f%%\t%d\n",
			v.ID, v.Endpoint, v.Weight, v.Health, v.Epoch, v.VirtualNodes, v.Owned*100.0, v.RequestCount)
	}
	table.Flush()
	fmt.Printf("\nVersion: %d    Hash: %s    Replicas: %d    Reachable versions: %v\n",
		res.Version, res.Hash, res.Replicas, res.Reachable)
	return nil
}

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

	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// ShardCommand is the command to change the set of shards
type ShardCommand struct {
	Add    addShardCommand      `kong:"cmd,help='Add a shard to the ring'"`
	Remove removeShardCommand   `kong:"cmd,help='Remove a shard from the ring'"`
	Weight reweightShardCommand `kong:"cmd,help='Change the weight of a shard'"`
}

type addShardCommand struct {
	ID       string `kong:"arg,required,help='Shard ID'"`
	Endpoint string `kong:"arg,required,help='gRPC endpoint for the shard'"`
	Weight   int    `kong:"help='Shard weight',default='1',short='w'"`
	Watch    bool   `kong:"help='Watch the migration until it completes',short='W'"`
}

func (c *addShardCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	id, err := client.AddShard(ctx, sharding.NewShard(c.ID, c.Endpoint, c.Weight))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding shard: %v\n", err)
		return errStd
	}
	fmt.Printf("Adding shard %s, migration %s\n", c.ID, id)
	if c.Watch {
		return watchMigration(client, id)
	}
	return nil
}

type removeShardCommand struct {
	ID    string `kong:"arg,required,help='Shard ID'"`
	Watch bool   `kong:"help='Watch the migration until it completes',short='W'"`
}

func (c *removeShardCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	id, err := client.RemoveShard(ctx, c.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error removing shard: %v\n", err)
		return errStd
	}
	fmt.Printf("Removing shard %s, migration %s\n", c.ID, id)
	if c.Watch {
		return watchMigration(client, id)
	}
	return nil
}

type reweightShardCommand struct {
	ID     string `kong:"arg,required,help='Shard ID'"`
	Weight int    `kong:"arg,required,help='New weight'"`
	Watch  bool   `kong:"help='Watch the migration until it completes',short='W'"`
}

func (c *reweightShardCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	id, err := client.ReweightShard(ctx, c.ID, c.Weight)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error changing weight: %v\n", err)
		return errStd
	}
	fmt.Printf("Changing weight of shard %s to %d, migration %s\n", c.ID, c.Weight, id)
	if c.Watch {
		return watchMigration(client, id)
	}
	return nil
}

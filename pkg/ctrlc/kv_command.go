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

	"github.com/lab5e/ringfunk/pkg/management"
)

// KVCommand reads and writes keys through the router
type KVCommand struct {
	Get    getKeyCommand    `kong:"cmd,help='Read a key'"`
	Put    putKeyCommand    `kong:"cmd,help='Write a key'"`
	Delete deleteKeyCommand `kong:"cmd,help='Delete a key'"`
	MGet   multiGetCommand  `kong:"cmd,name='mget',help='Read several keys with a fan-out request'"`
}

type getKeyCommand struct {
	Key string `kong:"arg,required,help='Key'"`
}

func (c *getKeyCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	v, route, err := client.Get(ctx, c.Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading key: %v\n", err)
		return errStd
	}
	fmt.Fprintf(os.Stderr, "shard %s, directory version %d\n", route.ShardID, route.Version)
	fmt.Println(string(v))
	return nil
}

type putKeyCommand struct {
	Key   string `kong:"arg,required,help='Key'"`
	Value string `kong:"arg,required,help='Value'"`
}

func (c *putKeyCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	route, err := client.Put(ctx, c.Key, []byte(c.Value))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing key: %v\n", err)
		return errStd
	}
	fmt.Printf("Stored on shard %s, directory version %d\n", route.ShardID, route.Version)
	return nil
}

type deleteKeyCommand struct {
	Key string `kong:"arg,required,help='Key'"`
}

func (c *deleteKeyCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	route, err := client.Delete(ctx, c.Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		return errStd
	}
	fmt.Printf("Deleted on shard %s, directory version %d\n", route.ShardID, route.Version)
	return nil
}

type multiGetCommand struct {
	Keys         []string `kong:"arg,required,help='Keys'"`
	AllOrNothing bool     `kong:"help='Fail if any shard fails',short='a'"`
	TimeoutMs    int      `kong:"help='Fan-out timeout in milliseconds',default='0'"`
}

func (c *multiGetCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	res, err := client.MultiGet(ctx, management.MultiGetRequest{
		Keys:         c.Keys,
		AllOrNothing: c.AllOrNothing,
		TimeoutMs:    c.TimeoutMs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading keys: %v\n", err)
		return errStd
	}
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintf(table, "Key\tValue\tError\n")
	for _, r := range res.Results {
		value := "(not found)"
		if r.Found {
			value = string(r.Value)
		}
		if r.Error != "" {
			value = "-"
		}
		fmt.Fprintf(table, "%s\t%s\t%s\n", r.Key, value, r.Error)
	}
	table.Flush()
	if res.Partial {
		for id, e := range res.ShardErrors {
			fmt.Fprintf(os.Stderr, "Shard %s failed: %s\n", id, e)
		}
		return errStd
	}
	return nil
}

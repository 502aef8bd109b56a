// Package ctrlc holds the commands for the router control utility
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
	"errors"
	"time"
)

// CommandList contains all of the commands for the ctrlc utility
type CommandList struct {
	Status     StatusCommand     `kong:"cmd,help='Show the router status'"`
	Directory  DirectoryCommand  `kong:"cmd,help='Show the shard directory'"`
	Shard      ShardCommand      `kong:"cmd,help='Add, remove and reweight shards'"`
	Migrations MigrationsCommand `kong:"cmd,help='List, watch and abort migrations'"`
	Hotspots   HotspotsCommand   `kong:"cmd,help='Show the shard load'"`
	Events     EventsCommand     `kong:"cmd,help='Stream router events'"`
	KV         KVCommand         `kong:"cmd,name='kv',help='Read and write keys through the router'"`
}

// ManagementServerParameters holds the management endpoint configuration
type ManagementServerParameters struct {
	Endpoint string        `kong:"help='Management endpoint for the router',default='localhost:8080',short='e'"`
	Timeout  time.Duration `kong:"help='Request timeout',default='10s',short='t'"`
}

// Parameters is the main parameter struct for the ctrlc utility
type Parameters struct {
	Server   ManagementServerParameters `kong:"embed"`
	Commands CommandList                `kong:"embed"`
}

// RouterServer returns the management server parameters
func (p *Parameters) RouterServer() ManagementServerParameters {
	return p.Server
}

// RouterCommands returns the list of commands for the management utility
func (p *Parameters) RouterCommands() CommandList {
	return p.Commands
}

// We won't be using the errors returned from the commands in Kong so this is
// a placeholder error that we'll return on errors
var errStd = errors.New("error")

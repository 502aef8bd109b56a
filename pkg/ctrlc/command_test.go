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
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (Parameters, string) {
	var params Parameters
	k, err := kong.New(&params, kong.Name("ctrlc"))
	require.NoError(t, err)
	ctx, err := k.Parse(args)
	require.NoError(t, err)
	return params, ctx.Command()
}

func TestCommandLine(t *testing.T) {
	assert := require.New(t)

	params, cmd := parse(t, "status")
	assert.Equal("status", cmd)
	assert.Equal("localhost:8080", params.Server.Endpoint)
	assert.Equal(10*time.Second, params.Server.Timeout)

	params, cmd = parse(t, "-e", "router:9000", "shard", "add", "D", "shard-d:1234", "-w", "3")
	assert.Equal("shard add <id> <endpoint>", cmd)
	assert.Equal("router:9000", params.Server.Endpoint)
	assert.Equal("D", params.Commands.Shard.Add.ID)
	assert.Equal("shard-d:1234", params.Commands.Shard.Add.Endpoint)
	assert.Equal(3, params.Commands.Shard.Add.Weight)

	params, _ = parse(t, "kv", "mget", "a", "b", "c", "--all-or-nothing")
	assert.Equal([]string{"a", "b", "c"}, params.Commands.KV.MGet.Keys)
	assert.True(params.Commands.KV.MGet.AllOrNothing)

	_, cmd = parse(t, "migrations", "states")
	assert.Equal("migrations states", cmd)

	rc := NewRunContext(params)
	assert.Equal(params.Commands.KV.MGet.Keys, rc.RouterCommands().KV.MGet.Keys)
	assert.Equal("localhost:8080", rc.RouterServer().Endpoint)
}

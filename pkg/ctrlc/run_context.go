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

// RunContext is the context passed on to the subcommands. Override this when
// reusing the commands in other projects.
type RunContext interface {
	RouterServer() ManagementServerParameters
	RouterCommands() CommandList
}

// NewRunContext creates a new RunContext from the command
func NewRunContext(cmd Parameters) RunContext {
	return &internalRunContext{params: cmd}
}

type internalRunContext struct {
	params Parameters
}

func (i *internalRunContext) RouterServer() ManagementServerParameters {
	return i.params.Server
}

func (i *internalRunContext) RouterCommands() CommandList {
	return i.params.Commands
}

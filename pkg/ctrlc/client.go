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
	"time"

	"github.com/lab5e/ringfunk/pkg/management"
)

const defaultTimeout = 10

func connectToManagement(params ManagementServerParameters) *management.Client {
	if params.Endpoint == "" {
		fmt.Fprintf(os.Stderr, "Need the management endpoint for the router\n")
		return nil
	}
	return management.NewClient(params.Endpoint)
}

func requestContext(params ManagementServerParameters) (context.Context, context.CancelFunc) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

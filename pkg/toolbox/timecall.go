package toolbox

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
	"time"

	"github.com/sirupsen/logrus"
)

// TimeCall runs the function, logs how long it took and returns the error
// from the function. Use it for the handful of operations where the duration
// is interesting in itself.
func TimeCall(description string, call func() error) error {
	start := time.Now()
	err := call()
	fields := logrus.Fields{
		"ms": float64(time.Since(start)) / float64(time.Millisecond),
	}
	if err != nil {
		fields["error"] = err
	}
	logrus.WithFields(fields).Infof("%s completed", description)
	return err
}

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
	"fmt"
	"io"
	"strings"
)

const progressWidth = 60

// ConsoleProgress is a simple console progress bar. The label is printed in
// front of the bar and the bar is redrawn in place.
type ConsoleProgress struct {
	Out     io.Writer
	Label   string
	Max     int
	Current int
	done    bool
}

// Print updates the progress bar. Nothing is printed if the bar hasn't moved.
func (c *ConsoleProgress) Print(val int) {
	if c.done || c.Max <= 0 {
		return
	}
	if val > c.Max {
		val = c.Max
	}
	if val < 0 {
		val = 0
	}
	newVal := int((float64(val) / float64(c.Max)) * float64(progressWidth))
	if newVal == c.Current && val != c.Max {
		return
	}
	c.Current = newVal

	bar := strings.Repeat("=", c.Current) + strings.Repeat(" ", progressWidth-c.Current)
	fmt.Fprintf(c.Out, "\r%-12s [%s] %d/%d", c.Label, bar, val, c.Max)

	if val == c.Max {
		fmt.Fprintln(c.Out)
		c.done = true
	}
}

package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/lab5e/ringfunk/pkg/funk/rebalance"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
)

// This program builds a series of images showing how the ring is divided
// between shards as shards are added and removed, one color per shard. The
// fraction of the ring that moves between each step is printed.

var shardColors = map[string]color.NRGBA{
	"A": {R: 255, G: 0, B: 0, A: 255},   // red
	"B": {R: 0, G: 255, B: 0, A: 255},   // green
	"C": {R: 0, G: 0, B: 255, A: 255},   // blue
	"D": {R: 255, G: 255, B: 0, A: 255}, // yellow
	"E": {R: 0, G: 255, B: 255, A: 255}, // cyan
	"F": {R: 255, G: 0, B: 255, A: 255}, // purple
}

const (
	width  = 128
	height = 64
)

func dumpImage(name string, dir *sharding.Directory) {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	step := ^uint64(0) / (width * height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := uint64(y*width+x) * step
			id, err := dir.LocateHash(pos)
			if err != nil {
				panic(err.Error())
			}
			img.Set(x, y, shardColors[id])
		}
	}
	f, err := os.Create(name)
	if err != nil {
		panic(err.Error())
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		panic(err.Error())
	}
}

func shards(weights ...int) []sharding.Shard {
	var ret []sharding.Shard
	for i, w := range weights {
		ret = append(ret, sharding.NewShard(string(rune('A'+i)), "", w))
	}
	return ret
}

// Debugging: Make an image to visualise the distribution of the ring across
// shards.
func main() {
	steps := []struct {
		name    string
		weights []int
	}{
		{"a_01shard.png", []int{1}},
		{"a_02shard.png", []int{1, 1}},
		{"a_03shard.png", []int{1, 1, 1}},
		{"a_04shard.png", []int{1, 1, 1, 1}},
		{"a_05shard.png", []int{1, 1, 1, 1, 1}},
		{"a_06shard.png", []int{1, 1, 1, 1, 1, 1}},
		{"b_06weighted.png", []int{1, 1, 1, 1, 1, 3}},
		{"b_05shard.png", []int{1, 1, 1, 1, 1}},
		{"b_04shard.png", []int{1, 1, 1, 1}},
		{"b_03shard.png", []int{1, 1, 1}},
		{"b_02shard.png", []int{1, 1}},
	}

	var dir *sharding.Directory
	for _, s := range steps {
		var next *sharding.Directory
		var err error
		if dir == nil {
			next, err = sharding.NewDirectory(0, shards(s.weights...), sharding.DefaultReplicas, sharding.DefaultHash)
		} else {
			next, err = dir.Next(shards(s.weights...))
		}
		if err != nil {
			panic(err.Error())
		}
		if dir != nil {
			moved := rebalance.MovedFraction(rebalance.Diff(dir, next))
			fmt.Printf("%-18s v%-2d %5.1f%% of the ring moved\n", s.name, next.Version(), moved*100.0)
		}
		for _, id := range next.ShardIDs() {
			fmt.Printf("    %s owns %5.1f%%\n", id, next.OwnedFraction(id)*100.0)
		}
		dumpImage(s.name, next)
		dir = next
	}
}

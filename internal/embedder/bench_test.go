package embedder

import (
	"context"
	"fmt"
	"image/color"
	"testing"
)

func BenchmarkComputeHash(b *testing.B) {
	text := "a red bicycle leaning against a brick wall"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ComputeHash(text)
	}
}

func BenchmarkCache(b *testing.B) {
	cache := NewCache(1000)
	vec := make([]float32, LocalDimension)
	for i := 0; i < 1000; i++ {
		cache.Set(fmt.Sprintf("k%d", i), vec)
	}

	b.Run("Get", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			cache.Get(fmt.Sprintf("k%d", i%1000))
		}
	})

	b.Run("Set", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			cache.Set(fmt.Sprintf("n%d", i), vec)
		}
	})
}

func BenchmarkLocalProvider(b *testing.B) {
	p, err := NewLocalProvider(0, nil)
	if err != nil {
		b.Fatal(err)
	}
	img := encodePNG(b, color.RGBA{G: 120, A: 255})
	ctx := context.Background()

	b.Run("EmbedImage", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := p.EmbedImage(ctx, img); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("EmbedText", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := p.EmbedText(ctx, "city skyline"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkConcurrentCache(b *testing.B) {
	cache := NewCache(100)
	vec := make([]float32, 64)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("k%d", i%200)
			if _, ok := cache.Get(key); !ok {
				cache.Set(key, vec)
			}
			i++
		}
	})
}

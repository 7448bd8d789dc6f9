package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ReneHollander/zspa/zfs/compress"
	"github.com/ReneHollander/zspa/zfs/kstat"
	"github.com/ReneHollander/zspa/zfs/nvlist"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

func BenchmarkCollect(b *testing.B) {
	pool := newTestPool(b, 2)
	ctx := context.Background()
	for range 16 {
		if _, err := pool.WriteBlock(ctx, bytes.Repeat([]byte("zspa"), 4096), compress.LZ4, vdev.PriorityAsyncWrite); err != nil {
			b.Fatal(err)
		}
	}
	if err := pool.Sync(ctx); err != nil {
		b.Fatal(err)
	}

	c := &poolCollector{pool: pool}
	c.describe(nil)

	for b.Loop() {
		c.collect(nil)
	}
}

func BenchmarkDecode(b *testing.B) {
	pool := newTestPool(b, 1)
	lc, _, err := pool.Vdevs()[0].ReadBestConfig(context.Background())
	if err != nil {
		b.Fatal(err)
	}
	data, err := nvlist.Marshal(&lc)
	if err != nil {
		b.Fatal(err)
	}

	var handle func(r *nvlist.Reader) error
	handle = func(r *nvlist.Reader) error {
		for {
			token, err := r.Next()
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}

			if token == nvlist.TypeNvlist {
				err = handle(r)
				if err != nil {
					return err
				}
			} else if token == nvlist.TypeNvlistArray {
				numElements := r.NumElements()
				for range numElements {
					err = handle(r)
					if err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	for b.Loop() {
		r := nvlist.Reader{
			Data: data,
		}
		err = handle(&r)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeKStat(b *testing.B) {
	pool := newTestPool(b, 1)
	var buf bytes.Buffer
	if err := pool.Vdevs()[0].Queue().WriteKStat(&buf, 0); err != nil {
		b.Fatal(err)
	}
	kstatData := buf.Bytes()

	for b.Loop() {
		r := kstat.Reader{
			Data: kstatData,
		}
		if _, err := kstat.ParseIO(&r); err != nil {
			b.Fatal(err)
		}
	}
}

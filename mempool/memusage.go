// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"reflect"

	"github.com/btcsuite/btcd/wire"
)

const (
	// entryOverhead approximates the bookkeeping kept per pool entry: the
	// entry itself, its graph node and descriptor, map slots and the
	// journal element.
	entryOverhead = 600

	// inputOverhead approximates the spent-by index slot and the copied
	// outpoint kept per input.
	inputOverhead = 96
)

// txMemUsage returns the memory accounted to a pool entry holding msgTx.
// Spilled entries keep only the bookkeeping.  The result depends only on
// the shape of the transaction, so identical transactions cost the same on
// every node.
func txMemUsage(msgTx *wire.MsgTx, spilled bool) int64 {
	usage := int64(entryOverhead + inputOverhead*len(msgTx.TxIn))
	if !spilled {
		usage += int64(dynamicMemUsage(reflect.ValueOf(msgTx)))
	}
	return usage
}

// dynamicMemUsage walks v and sums the sizes of everything reachable from
// it.  Byte slices are counted by length, not capacity.
func dynamicMemUsage(v reflect.Value) uintptr {
	t := v.Type()
	bytes := t.Size()

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			bytes += dynamicMemUsage(v.Elem())
		}

	case reflect.Array, reflect.Slice:
		if v.Len() == 0 {
			break
		}
		if t.Elem().Kind() == reflect.Uint8 {
			bytes += uintptr(v.Len())
			break
		}
		for j := 0; j < v.Len(); j++ {
			vi := v.Index(j)
			if t.Kind() == reflect.Slice {
				bytes += dynamicMemUsage(vi)
				continue
			}
			k := vi.Kind()
			if (k == reflect.Pointer || k == reflect.Interface) && !vi.IsNil() {
				bytes += dynamicMemUsage(vi.Elem())
			}
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			bytes += dynamicMemUsage(iter.Key())
			bytes += dynamicMemUsage(iter.Value())
		}

	case reflect.Struct:
		for _, f := range reflect.VisibleFields(t) {
			vf := v.FieldByIndex(f.Index)
			k := vf.Kind()
			switch {
			case (k == reflect.Pointer || k == reflect.Interface) && !vf.IsNil():
				bytes += dynamicMemUsage(vf.Elem())
			case k == reflect.Slice:
				bytes -= vf.Type().Size()
				bytes += dynamicMemUsage(vf)
			}
		}
	}

	return bytes
}

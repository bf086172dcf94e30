package testutil

// Hand-assembled WASI command modules for exercising the WASM executor.
// Each exports one page of memory and a _start function.

// EchoModule copies up to 1 KiB of stdin to stdout. Its result is the
// CBOR array of inputs the executor hands it.
var EchoModule = assemble(
	[][]byte{
		{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f}, // (i32 i32 i32 i32) -> i32
		{0x60, 0x00, 0x00},                               // () -> ()
	},
	[]wasiImport{{"fd_read", 0}, {"fd_write", 0}},
	1,
	[]byte{
		// iovec at 0: buffer at 16, length 1024
		0x41, 0x00, 0x41, 0x10, 0x36, 0x02, 0x00,
		0x41, 0x04, 0x41, 0x80, 0x08, 0x36, 0x02, 0x00,
		// fd_read(stdin, iovec, 1, &nread=8)
		0x41, 0x00, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a,
		// iovec length = nread
		0x41, 0x04, 0x41, 0x08, 0x28, 0x02, 0x00, 0x36, 0x02, 0x00,
		// fd_write(stdout, iovec, 1, &nwritten=12)
		0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x0c, 0x10, 0x01, 0x1a,
	},
)

// ExitModule calls proc_exit(1).
var ExitModule = assemble(
	[][]byte{
		{0x60, 0x01, 0x7f, 0x00}, // (i32) -> ()
		{0x60, 0x00, 0x00},       // () -> ()
	},
	[]wasiImport{{"proc_exit", 0}},
	1,
	[]byte{0x41, 0x01, 0x10, 0x00},
)

// SpinModule never returns: _start is `loop br 0 end`.
var SpinModule = assemble(
	[][]byte{{0x60, 0x00, 0x00}},
	nil,
	0,
	[]byte{0x03, 0x40, 0x0c, 0x00, 0x0b},
)

type wasiImport struct {
	name string
	typ  byte
}

// assemble lays out a module whose functions are the WASI imports
// followed by _start, of type startType, with the given body.
func assemble(types [][]byte, imports []wasiImport, startType byte, body []byte) []byte {
	m := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	m = appendSection(m, 1, vector(types))

	if len(imports) > 0 {
		entries := make([][]byte, 0, len(imports))
		for _, imp := range imports {
			entry := wasmName("wasi_snapshot_preview1")
			entry = append(entry, wasmName(imp.name)...)
			entry = append(entry, 0x00, imp.typ)
			entries = append(entries, entry)
		}
		m = appendSection(m, 2, vector(entries))
	}

	m = appendSection(m, 3, []byte{0x01, startType})
	m = appendSection(m, 5, []byte{0x01, 0x00, 0x01})

	memory := append(wasmName("memory"), 0x02, 0x00)
	start := append(wasmName("_start"), 0x00, byte(len(imports)))
	m = appendSection(m, 7, vector([][]byte{memory, start}))

	fn := append([]byte{0x00}, body...)
	fn = append(fn, 0x0b)
	m = appendSection(m, 10, vector([][]byte{append(uleb(len(fn)), fn...)}))
	return m
}

func appendSection(m []byte, id byte, body []byte) []byte {
	m = append(m, id)
	m = append(m, uleb(len(body))...)
	return append(m, body...)
}

func vector(items [][]byte) []byte {
	out := uleb(len(items))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func wasmName(s string) []byte {
	return append(uleb(len(s)), s...)
}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

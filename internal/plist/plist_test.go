package plist

import (
	"strings"
	"testing"
)

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>CFBundleIdentifier</key>
  <string>com.apple.iokit.IOPCIFamily</string>
  <key>CFBundleVersion</key>
  <string>1.0.0</string>
  <key>_PrelinkExecutableLoadAddr</key>
  <integer size="64">18446744071562067968</integer>
  <key>OSKernelResource</key>
  <true/>
  <key>OSBundleLibraries</key>
  <dict>
    <key>com.apple.kernel</key>
    <string>6.0</string>
  </dict>
</dict>
</plist>
`

func TestParseDict(t *testing.T) {
	root, err := Parse(strings.NewReader(samplePlist))
	if err != nil {
		t.Fatal(err)
	}
	id, ok := root.DictGet("CFBundleIdentifier")
	if !ok || id.StringValue() != "com.apple.iokit.IOPCIFamily" {
		t.Fatalf("unexpected CFBundleIdentifier: %+v", id)
	}
	addr, ok := root.DictGet("_PrelinkExecutableLoadAddr")
	if !ok || !addr.Int64 {
		t.Fatalf("expected 64-bit integer, got %+v", addr)
	}
	libs, ok := root.DictGet("OSBundleLibraries")
	if !ok || libs.Kind != KindDict {
		t.Fatalf("expected OSBundleLibraries dict, got %+v", libs)
	}
}

func TestRoundTrip(t *testing.T) {
	root, err := Parse(strings.NewReader(samplePlist))
	if err != nil {
		t.Fatal(err)
	}
	out := Serialize(root)
	root2, err := Parse(strings.NewReader(out))
	if err != nil {
		t.Fatalf("re-parse of serialized output failed: %v", err)
	}
	id, _ := root2.DictGet("CFBundleIdentifier")
	if id.StringValue() != "com.apple.iokit.IOPCIFamily" {
		t.Fatalf("round-trip lost CFBundleIdentifier: %+v", id)
	}
	addr, _ := root2.DictGet("_PrelinkExecutableLoadAddr")
	if !addr.Int64 {
		t.Fatalf("expected the 64-bit width to survive round-trip, got %+v", addr)
	}
	if !strings.Contains(out, `size="64"`) {
		t.Fatal("expected 64-bit integer tag to survive round-trip")
	}
	if !strings.Contains(out, "\r\n") {
		t.Fatal("expected CRLF line endings")
	}
}

func TestDataRoundTrip(t *testing.T) {
	d := NewDict()
	d.DictSet("blob", NewData([]byte("hello world, this is a reasonably long data blob to test wrapping")))
	out := Serialize(d)
	root, err := Parse(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	blob, ok := root.DictGet("blob")
	if !ok || string(blob.DataValue()) != "hello world, this is a reasonably long data blob to test wrapping" {
		t.Fatalf("data round-trip mismatch: %+v", blob)
	}
}

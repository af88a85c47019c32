package airbridge

import (
	"strings"
	"testing"
)

func FuzzTopicSegment(f *testing.F) {
	f.Add("uuid:abc")
	f.Add("a/b+c#")

	f.Fuzz(func(t *testing.T, s string) {
		seg := TopicSegment(s)
		if strings.ContainsAny(seg, "/+#") {
			t.Fatalf("segment %q still has topic separators", seg)
		}
	})
}

package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMounts(t *testing.T) {
	m := Mounts{
		{Host: "/home/me", Internal: "/workspace"},
		{Host: "/home/me/data/", Internal: "/data"},
		{Host: "/srv", Internal: "/"},
	}
	cases := []struct {
		host     string
		internal string
	}{
		{host: "/home/me", internal: "/workspace"},
		{host: "/home/me/src/app", internal: "/workspace/src/app"},
		{host: "/home/me/data/x.csv", internal: "/data/x.csv"},
		{host: "/srv", internal: "/"},
		{host: "/srv/www", internal: "/www"},
	}
	for _, c := range cases {
		t.Run(c.host, func(t *testing.T) {
			assert.Equal(t, c.internal, m.MapToInternalPath(c.host))
		})
	}

	// not under any mount
	assert.Equal(t, "/home/meow", m.MapToInternalPath("/home/meow"))
	assert.Equal(t, "/tmp", Mounts(nil).MapToInternalPath("/tmp"))

	assert.Equal(t, "/home/me/src", m.MapToHostPath("/workspace/src"))
	assert.Equal(t, "/home/me/data", m.MapToHostPath("/data"))
}

// Command openvpn-event is installed as openvpn's --up, --route-up, --down
// and --route-pre-down script. It reports which hook fired to the tunneld
// monitor listening on $TUNNELD_EVENT_SOCKET and always exits 0 so that
// openvpn carries on regardless.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/openvpn"
	"github.com/matst80/tunneld/internal/proto"
	"github.com/matst80/tunneld/internal/tunnel"
)

const dialTimeout = 2 * time.Second

func main() {
	scriptType := os.Getenv("script_type")
	socket := os.Getenv(tunnel.EventSocketEnv)
	if err := notify(socket, scriptType); err != nil {
		obs.Error("shim.notify", obs.Fields{"err": err.Error(), "script_type": scriptType})
	}
	os.Exit(int(openvpn.FuncSuccess))
}

func notify(socket, scriptType string) error {
	if socket == "" {
		return fmt.Errorf("%s not set", tunnel.EventSocketEnv)
	}
	id, ok := openvpn.EventFromScriptType(scriptType)
	if !ok {
		return fmt.Errorf("unknown script_type %q", scriptType)
	}
	c, err := net.DialTimeout("unix", socket, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()
	_ = c.SetWriteDeadline(time.Now().Add(dialTimeout))
	return writeEvent(c, id)
}

func writeEvent(w io.Writer, id openvpn.EventID) error {
	b, err := json.Marshal(proto.PluginEvent{Event: int(id), Name: openvpn.EventName(id)})
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

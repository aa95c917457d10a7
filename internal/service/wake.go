package service

import (
	"fmt"
	"net"

	"github.com/sabhiram/go-wol/wol"
)

// magicPacketSize 唤醒包固定长度：6 字节 0xFF + 16 次 MAC
const magicPacketSize = 102

// Waker 发送网络唤醒包
type Waker interface {
	Wake(mac string) error
}

// WOLWaker 通过 UDP 广播发送唤醒包
type WOLWaker struct {
	Broadcast string // 例如 "255.255.255.255:9"
}

// Wake 向 mac 发送一个魔术包
func (w WOLWaker) Wake(mac string) error {
	mp, err := wol.New(mac)
	if err != nil {
		return fmt.Errorf("build magic packet: %w", err)
	}
	bs, err := mp.Marshal()
	if err != nil {
		return fmt.Errorf("marshal magic packet: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", w.Broadcast)
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()

	n, err := conn.Write(bs)
	if err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}
	if n != magicPacketSize {
		return fmt.Errorf("magic packet short write: %d bytes", n)
	}
	return nil
}

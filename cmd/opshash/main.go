// Генератор значения OPS_PASSWORD_HASH: читает пароль со стандартного
// ввода и печатает bcrypt-хеш. Пароль не передаётся аргументом, чтобы
// не оставлять его в истории шелла:
//
//	echo -n 'secret' | opshash
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"futuresbot/pkg/crypto"
)

func main() {
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil && password == "" {
		fmt.Fprintln(os.Stderr, "opshash: failed to read password from stdin")
		os.Exit(1)
	}
	password = strings.TrimRight(password, "\r\n")

	hash, err := crypto.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opshash: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

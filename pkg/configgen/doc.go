/*
Package configgen generates and patches the on-disk configuration of
managed instances: server.properties for game servers, config.yml for
the BungeeCord family, velocity.toml for Velocity, plus the eula.txt,
spigot.yml and config/paper-global.yml files needed to wire backends
behind a proxy.

Generation always overwrites; patching (SetServerProperty and the
velocity fix-up) is read-modify-write and preserves existing keys and
comments. All writers take the instance workspace directory, never a
file path.
*/
package configgen
